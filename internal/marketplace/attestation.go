package marketplace

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
)

// Attestation is a signed claim about some subtree of the graph,
// optionally tradable through the marketplace.
type Attestation struct {
	ID               uuid.UUID
	InstanceID       uuid.UUID
	Scope            string
	ClaimType        string
	PerspectiveCount int
	AvgWeight        float64
	ComputeCost      int64
	ReproductionEst  int64
	UniquenessScore  float64
	ProofType        *string
	ProofData        []byte
	ProofCID         *string
	AskingPrice      *int64
	Exclusive        bool
	Signature        []byte
}

const attestationColumns = `id, instance_id, scope::text, claim_type, perspective_count, avg_weight,
	compute_cost, reproduction_est, uniqueness_score, proof_type, proof_data, proof_cid,
	asking_price, exclusive, signature`

func scanAttestation(row pgx.Row) (Attestation, error) {
	var a Attestation
	err := row.Scan(&a.ID, &a.InstanceID, &a.Scope, &a.ClaimType, &a.PerspectiveCount, &a.AvgWeight,
		&a.ComputeCost, &a.ReproductionEst, &a.UniquenessScore, &a.ProofType, &a.ProofData, &a.ProofCID,
		&a.AskingPrice, &a.Exclusive, &a.Signature)
	return a, err
}

// CreateAttestation records a signed claim about a graph subtree. The
// signature is verified by the caller (crdt/identity layer owns key
// material); this layer persists the claim and its derived scoring
// inputs as given.
func (m *Marketplace) CreateAttestation(ctx context.Context, instanceID uuid.UUID, scope, claimType string, perspectiveCount int, avgWeight float64, computeCost, reproductionEst int64, uniquenessScore float64, proofType *string, proofData []byte, proofCID *string, askingPrice *int64, exclusive bool, signature []byte) (Attestation, error) {
	if claimType == "" {
		return Attestation{}, kerrors.New(kerrors.InvalidOp, "claim_type is required")
	}
	if askingPrice != nil && *askingPrice <= 0 {
		return Attestation{}, kerrors.New(kerrors.InvalidOp, "asking_price must be positive when set")
	}
	row := m.Store.Pool.QueryRow(ctx, `
		INSERT INTO attestations (instance_id, scope, claim_type, perspective_count, avg_weight,
			compute_cost, reproduction_est, uniqueness_score, proof_type, proof_data, proof_cid,
			asking_price, exclusive, signature)
		VALUES ($1, $2::ltree, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+attestationColumns,
		instanceID, scope, claimType, perspectiveCount, avgWeight, computeCost, reproductionEst,
		uniquenessScore, proofType, proofData, proofCID, askingPrice, exclusive, signature)
	return scanAttestation(row)
}

func (m *Marketplace) GetAttestation(ctx context.Context, id uuid.UUID) (Attestation, error) {
	row := m.Store.Pool.QueryRow(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE id = $1`, id)
	a, err := scanAttestation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Attestation{}, kerrors.New(kerrors.NotFound, "attestation %s not found", id)
		}
		return Attestation{}, kerrors.Wrap(kerrors.Internal, err, "marketplace: GetAttestation")
	}
	return a, nil
}

func (m *Marketplace) ListAttestations(ctx context.Context, instanceID uuid.UUID) ([]Attestation, error) {
	rows, err := m.Store.Pool.Query(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE instance_id = $1 ORDER BY created_at DESC`, instanceID)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "marketplace: ListAttestations")
	}
	defer rows.Close()
	var out []Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "marketplace: scan attestation")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Challenge disputes an attestation's claim, offering a counter-proof
// and optionally a settlement price.
type Challenge struct {
	ID            uuid.UUID
	AttestationID uuid.UUID
	ChallengerID  uuid.UUID
	ChallengeType string
	OfferedPrice  *int64
	Status        string
	SettledPrice  *int64
}

func (m *Marketplace) CreateChallenge(ctx context.Context, attestationID, challengerID uuid.UUID, challengeType string, challengeData []byte, offeredPrice *int64, signature []byte) (Challenge, error) {
	if challengeType == "" {
		return Challenge{}, kerrors.New(kerrors.InvalidOp, "challenge_type is required")
	}
	var c Challenge
	err := m.Store.Pool.QueryRow(ctx, `
		INSERT INTO challenges (attestation_id, challenger_id, challenge_type, challenge_data, offered_price, signature, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id, attestation_id, challenger_id, challenge_type, offered_price, status, settled_price
	`, attestationID, challengerID, challengeType, challengeData, offeredPrice, signature).Scan(
		&c.ID, &c.AttestationID, &c.ChallengerID, &c.ChallengeType, &c.OfferedPrice, &c.Status, &c.SettledPrice)
	if err != nil {
		return Challenge{}, kerrors.Wrap(kerrors.Internal, err, "marketplace: CreateChallenge")
	}
	return c, nil
}

// ResolveChallenge settles a pending challenge, optionally recording
// the price the two parties converged on.
func (m *Marketplace) ResolveChallenge(ctx context.Context, challengeID uuid.UUID, accepted bool, settledPrice *int64) error {
	return m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM challenges WHERE id = $1 FOR UPDATE`, challengeID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "challenge %s not found", challengeID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: lookup challenge")
		}
		if status != "pending" {
			return kerrors.New(kerrors.StateConflict, "challenge %s is not pending", challengeID)
		}
		newStatus := "rejected"
		if accepted {
			newStatus = "accepted"
		}
		_, err := tx.Exec(ctx, `UPDATE challenges SET status = $1, settled_price = $2, settled_at = now() WHERE id = $3`, newStatus, settledPrice, challengeID)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: ResolveChallenge")
		}
		return nil
	})
}
