package kstore

// schemaDDL is the full table/index/view contract (C2). It is applied
// idempotently with `CREATE ... IF NOT EXISTS` so Bootstrap can run on
// every startup. Column names and types mirror original_source/schema.rs
// exactly, translated from pgrx extension_sql! blocks to plain DDL the
// pgx pool executes directly (we are not a Postgres extension — the
// engine is a regular client of Postgres, not a loaded .so).
const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE EXTENSION IF NOT EXISTS ltree;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS instances (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name            TEXT NOT NULL,
    public_key      BYTEA NOT NULL,
    key_fingerprint TEXT NOT NULL UNIQUE,
    connection      TEXT,
    endpoint        TEXT,
    description     TEXT,
    is_self         BOOLEAN NOT NULL DEFAULT false,
    last_seen       TIMESTAMPTZ,
    metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_is_self ON instances (is_self) WHERE is_self = true;
CREATE INDEX IF NOT EXISTS idx_instances_name ON instances (name);
CREATE INDEX IF NOT EXISTS idx_instances_last_seen ON instances (last_seen);

CREATE TABLE IF NOT EXISTS nodes (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    instance_id UUID NOT NULL REFERENCES instances(id),
    kind        TEXT NOT NULL,
    language    TEXT,
    content     TEXT,
    parent_id   UUID REFERENCES nodes(id),
    position    INTEGER NOT NULL DEFAULT 0,
    path        ltree,
    span_start  INTEGER,
    span_end    INTEGER,
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_nodes_instance ON nodes (instance_id);
CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes (kind);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes USING gist (path);
CREATE INDEX IF NOT EXISTS idx_nodes_parent_position ON nodes (parent_id, position);
CREATE INDEX IF NOT EXISTS idx_nodes_content_fts ON nodes USING gin (to_tsvector('english', coalesce(content, '')));
CREATE INDEX IF NOT EXISTS idx_nodes_content_trgm ON nodes USING gin (content gin_trgm_ops);

CREATE TABLE IF NOT EXISTS edges (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    source_id   UUID NOT NULL REFERENCES nodes(id),
    target_id   UUID NOT NULL REFERENCES nodes(id),
    relation    TEXT NOT NULL,
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_unique_rel ON edges (source_id, target_id, relation);

CREATE TABLE IF NOT EXISTS versions (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    node_id      UUID NOT NULL REFERENCES nodes(id),
    instance_id  UUID NOT NULL REFERENCES instances(id),
    operation    TEXT NOT NULL,
    old_parent   UUID,
    new_parent   UUID,
    old_position INTEGER,
    new_position INTEGER,
    old_content  TEXT,
    new_content  TEXT,
    author       TEXT NOT NULL,
    timestamp    BIGINT NOT NULL,
    signature    BYTEA,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_versions_node_timestamp ON versions (node_id, timestamp);

CREATE TABLE IF NOT EXISTS operations (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    instance_id UUID NOT NULL REFERENCES instances(id),
    op_type     TEXT NOT NULL,
    node_id     UUID,
    author      TEXT NOT NULL,
    lamport_ts  BIGINT NOT NULL,
    author_seq  BIGINT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
    signature   BYTEA,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_operations_author ON operations (author);
CREATE INDEX IF NOT EXISTS idx_operations_lamport ON operations (lamport_ts);
CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_author_seq ON operations (author, author_seq);

CREATE TABLE IF NOT EXISTS version_vector (
    author  TEXT PRIMARY KEY,
    max_seq BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lamport_clock (
    id    BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
    value BIGINT NOT NULL DEFAULT 0
);
INSERT INTO lamport_clock (id, value) VALUES (true, 0) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS wallets (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    instance_id     UUID REFERENCES instances(id),
    public_key      BYTEA NOT NULL,
    key_fingerprint TEXT NOT NULL UNIQUE,
    address         TEXT,
    wallet_type     TEXT NOT NULL DEFAULT 'instance',
    label           TEXT,
    nonce           BIGINT NOT NULL DEFAULT 0,
    metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_wallets_instance ON wallets (instance_id);
CREATE INDEX IF NOT EXISTS idx_wallets_type ON wallets (wallet_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_one_instance_wallet ON wallets (instance_id) WHERE wallet_type = 'instance';

CREATE TABLE IF NOT EXISTS ledger (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    from_wallet    UUID REFERENCES wallets(id),
    to_wallet      UUID NOT NULL REFERENCES wallets(id),
    amount         BIGINT NOT NULL CHECK (amount > 0),
    reason         TEXT NOT NULL,
    reference_id   UUID,
    reference_type TEXT,
    signature      BYTEA,
    timestamp      BIGINT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_from ON ledger (from_wallet);
CREATE INDEX IF NOT EXISTS idx_ledger_to ON ledger (to_wallet);
CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger (timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_timestamp_unique ON ledger (timestamp);

CREATE TABLE IF NOT EXISTS reward_schedule (
    work_type TEXT PRIMARY KEY,
    reward    BIGINT NOT NULL,
    enabled   BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS reward_log (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    ledger_entry_id UUID NOT NULL REFERENCES ledger(id),
    work_type       TEXT NOT NULL,
    details         JSONB NOT NULL DEFAULT '{}'::jsonb,
    retroactive     BOOLEAN NOT NULL DEFAULT false,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reward_log_work_type ON reward_log (work_type);

CREATE TABLE IF NOT EXISTS attestations (
    id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    instance_id       UUID NOT NULL REFERENCES instances(id),
    scope             ltree NOT NULL,
    claim_type        TEXT NOT NULL,
    perspective_count INTEGER NOT NULL DEFAULT 0,
    avg_weight        DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    compute_cost      BIGINT NOT NULL DEFAULT 0,
    reproduction_est  BIGINT NOT NULL DEFAULT 0,
    uniqueness_score  DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    proof_type        TEXT,
    proof_data        BYTEA,
    proof_cid         TEXT,
    asking_price      BIGINT,
    exclusive         BOOLEAN NOT NULL DEFAULT false,
    signature         BYTEA,
    expires_at        TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_attestations_instance ON attestations (instance_id);
CREATE INDEX IF NOT EXISTS idx_attestations_scope ON attestations USING gist (scope);

CREATE TABLE IF NOT EXISTS challenges (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    attestation_id UUID NOT NULL REFERENCES attestations(id),
    challenger_id  UUID NOT NULL REFERENCES instances(id),
    challenge_type TEXT NOT NULL,
    challenge_data JSONB,
    response_proof BYTEA,
    status         TEXT NOT NULL DEFAULT 'pending',
    offered_price  BIGINT,
    settled_price  BIGINT,
    signature      BYTEA,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    settled_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS auctions (
    id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    attestation_id      UUID NOT NULL REFERENCES attestations(id),
    seller_wallet       UUID NOT NULL REFERENCES wallets(id),
    starting_price      BIGINT NOT NULL,
    floor_price         BIGINT NOT NULL,
    current_price       BIGINT NOT NULL,
    price_decrement     BIGINT NOT NULL,
    decrement_interval  INTERVAL NOT NULL,
    min_bidders         INTEGER NOT NULL DEFAULT 1,
    open_delay_hours    INTEGER NOT NULL DEFAULT 24,
    status              TEXT NOT NULL DEFAULT 'active',
    settled_price       BIGINT,
    open_sourced        BOOLEAN NOT NULL DEFAULT false,
    open_sourced_at     TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_auctions_attestation ON auctions (attestation_id);
CREATE INDEX IF NOT EXISTS idx_auctions_status ON auctions (status);

CREATE TABLE IF NOT EXISTS bids (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    auction_id    UUID NOT NULL REFERENCES auctions(id),
    bidder_wallet UUID NOT NULL REFERENCES wallets(id),
    max_price     BIGINT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids (auction_id);

CREATE TABLE IF NOT EXISTS agents (
    id        UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    wallet_id UUID REFERENCES wallets(id),
    name      TEXT NOT NULL UNIQUE,
    kind      TEXT NOT NULL,
    model     TEXT,
    config    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_kind ON agents (kind);

CREATE TABLE IF NOT EXISTS perspectives (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    agent_id   UUID NOT NULL REFERENCES agents(id),
    node_id    UUID NOT NULL REFERENCES nodes(id),
    weight     DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_id UUID REFERENCES nodes(id),
    reasoning  TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (agent_id, node_id, context_id)
);
CREATE INDEX IF NOT EXISTS idx_perspectives_node ON perspectives (node_id);

CREATE TABLE IF NOT EXISTS associations (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    agent_id   UUID NOT NULL REFERENCES agents(id),
    source_id  UUID NOT NULL REFERENCES nodes(id),
    target_id  UUID NOT NULL REFERENCES nodes(id),
    weight     DOUBLE PRECISION NOT NULL DEFAULT 0,
    relation   TEXT NOT NULL,
    reasoning  TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (agent_id, source_id, target_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_associations_source ON associations (source_id);
CREATE INDEX IF NOT EXISTS idx_associations_target ON associations (target_id);

CREATE TABLE IF NOT EXISTS tasks (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    description     TEXT NOT NULL,
    scope_node_id   UUID REFERENCES nodes(id),
    success_command TEXT NOT NULL,
    budget_ops      INTEGER,
    budget_seconds  INTEGER,
    status          TEXT NOT NULL DEFAULT 'pending',
    agent_kind      TEXT,
    agent_model     TEXT,
    agent_count     INTEGER,
    swarm_id        UUID REFERENCES agents(id),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

CREATE TABLE IF NOT EXISTS bounties (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    task_id         UUID REFERENCES tasks(id),
    description     TEXT NOT NULL,
    reward_amount   BIGINT NOT NULL,
    funder_wallet   UUID NOT NULL REFERENCES wallets(id),
    claimant_wallet UUID REFERENCES wallets(id),
    status          TEXT NOT NULL DEFAULT 'open',
    claimed_at      TIMESTAMPTZ,
    paid_at         TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bounties_status ON bounties (status);

CREATE UNLOGGED TABLE IF NOT EXISTS test_results (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    task_id        UUID NOT NULL REFERENCES tasks(id),
    agent_id       UUID NOT NULL REFERENCES agents(id),
    version_vector JSONB NOT NULL DEFAULT '{}'::jsonb,
    passed         BOOLEAN NOT NULL,
    output         TEXT,
    duration_ms    INTEGER,
    ops_count      INTEGER,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_test_results_task ON test_results (task_id);

CREATE TABLE IF NOT EXISTS model_vocab (
    model_id  UUID NOT NULL,
    node_id   UUID NOT NULL,
    token_idx INTEGER NOT NULL,
    PRIMARY KEY (model_id, node_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_vocab_idx ON model_vocab (model_id, token_idx);

CREATE TABLE IF NOT EXISTS model_weights (
    agent_id    UUID NOT NULL REFERENCES agents(id),
    tensor_name TEXT NOT NULL,
    data        BYTEA NOT NULL,
    shape       INTEGER[] NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (agent_id, tensor_name)
);

CREATE TABLE IF NOT EXISTS training_runs (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    agent_id    UUID NOT NULL REFERENCES agents(id),
    walk_type   TEXT NOT NULL,
    n_sequences INTEGER NOT NULL,
    n_steps     INTEGER NOT NULL,
    final_loss  DOUBLE PRECISION,
    duration_ms INTEGER,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS inference_log (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    agent_id   UUID NOT NULL REFERENCES agents(id),
    kind       TEXT NOT NULL,
    query      TEXT,
    result     JSONB,
    cost       BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blobs (
    cid        TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
