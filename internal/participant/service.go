// internal/participant/service.go
package participant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sessiond/internal/types"
)

// DefaultExpiryBuffer is subtracted from token lifetimes everywhere a token
// is about to be handed to an external call, so a token is never used
// within a minute of its expiry.
const DefaultExpiryBuffer = 60 * time.Second

// ErrNoRefreshToken means the participant has no stored refresh token to
// exchange. The caller falls back to an unauthenticated flow.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// ErrOAuthNotConfigured means the daemon has no OAuth app credentials.
var ErrOAuthNotConfigured = errors.New("oauth credentials not configured")

// ErrTokenExpired means the stored token is expired and could not be
// refreshed. Distinct from "never authenticated" so clients can choose
// between re-login and reconnect.
var ErrTokenExpired = errors.New("token expired and refresh failed")

// RefreshClient is the slice of the source-control client the token
// service needs: the OAuth refresh call plus whether app credentials are
// configured at all.
type RefreshClient interface {
	Configured() bool
	RefreshAccessToken(ctx context.Context, refreshToken string) (*types.OAuthTokens, error)
}

// Service owns participant rows and their OAuth tokens. Token refresh runs
// one of two strategies: a session-local refresh, or a centralized refresh
// through the shared CAS-guarded token store when one is configured and the
// participant carries an externally-indexed identity.
type Service struct {
	store   types.ParticipantStore
	cipher  types.TokenCipher
	oauth   RefreshClient
	central types.CentralTokenStore
	buffer  time.Duration
}

// NewService wires the participant service. central may be nil, in which
// case every refresh uses the local strategy.
func NewService(store types.ParticipantStore, cipher types.TokenCipher, oauth RefreshClient, central types.CentralTokenStore) *Service {
	return &Service{
		store:   store,
		cipher:  cipher,
		oauth:   oauth,
		central: central,
		buffer:  DefaultExpiryBuffer,
	}
}

// HashConnToken returns the sha256 hex of a connection bearer token.
func HashConnToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create allocates a participant id, persists a member-role row, and
// returns the constructed record. No read-back: the returned value is the
// row that was written.
func (s *Service) Create(ctx context.Context, sessionID types.SessionID, userID, displayName string) (*types.Participant, error) {
	p := &types.Participant{
		ID:          types.NewParticipantID(),
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        "member",
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	return p, nil
}

// IssueConnToken generates a fresh connection bearer token, persists its
// hash on the participant, and returns the plaintext. The plaintext is
// never stored.
func (s *Service) IssueConnToken(ctx context.Context, p *types.Participant) (string, error) {
	token := types.NewConnToken()
	p.ConnTokenHash = HashConnToken(token)
	if err := s.store.Update(ctx, p); err != nil {
		return "", fmt.Errorf("persist conn token hash: %w", err)
	}
	return token, nil
}

// StoreTokens seals and persists an access/refresh pair on the participant.
func (s *Service) StoreTokens(ctx context.Context, p *types.Participant, tokens *types.OAuthTokens) error {
	if err := s.adoptPlaintext(p, tokens); err != nil {
		return err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

// IsTokenExpired reports whether the participant's access token is within
// buffer of its expiry. A zero buffer means the default 60s.
func (s *Service) IsTokenExpired(p *types.Participant, buffer time.Duration) bool {
	if p.TokenExpiresAt.IsZero() {
		return false
	}
	if buffer == 0 {
		buffer = s.buffer
	}
	return !time.Now().Add(buffer).Before(p.TokenExpiresAt)
}

// RefreshToken refreshes the participant's access token, dispatching to the
// centralized strategy when a shared store is configured and the
// participant has an externally-indexed identity, and to the local strategy
// otherwise.
func (s *Service) RefreshToken(ctx context.Context, p *types.Participant) error {
	if s.central != nil && p.UserID != "" {
		return s.refreshCentralized(ctx, p)
	}
	return s.refreshLocal(ctx, p)
}

// refreshLocal exchanges the participant's own refresh token against the
// upstream OAuth endpoint and persists the new pair.
func (s *Service) refreshLocal(ctx context.Context, p *types.Participant) error {
	if p.RefreshTokenCT == "" {
		return ErrNoRefreshToken
	}
	if s.oauth == nil || !s.oauth.Configured() {
		return ErrOAuthNotConfigured
	}

	refreshToken, err := s.cipher.Open(p.RefreshTokenCT)
	if err != nil {
		return fmt.Errorf("open refresh token: %w", err)
	}
	tokens, err := s.oauth.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	if tokens.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep using ours.
		tokens.RefreshToken = refreshToken
	}
	return s.StoreTokens(ctx, p, tokens)
}

// refreshCentralized reads the shared record, adopts it if still fresh,
// and otherwise races a CAS write of newly-obtained tokens against every
// other actor instance backing the same identity. On a lost race the
// winner's tokens are adopted and this instance's freshly-obtained pair is
// discarded without ever being persisted.
func (s *Service) refreshCentralized(ctx context.Context, p *types.Participant) error {
	rec, err := s.central.Get(ctx, p.UserID)
	if err != nil {
		// Store error or no record: fall back to local, then seed the store
		// so future refreshes become centralized.
		if !errors.Is(err, types.ErrNoRecord) {
			slog.Warn("central token store read failed, falling back to local refresh",
				"identity", p.UserID, "error", err)
		}
		if localErr := s.refreshLocal(ctx, p); localErr != nil {
			return localErr
		}
		s.seedCentral(ctx, p)
		return nil
	}

	if !s.recordExpired(rec) {
		// Cross-actor cache hit: another instance already refreshed.
		return s.adoptRecord(ctx, p, rec)
	}

	if s.oauth == nil || !s.oauth.Configured() {
		return ErrOAuthNotConfigured
	}
	refreshToken, err := s.cipher.Open(rec.RefreshCT)
	if err != nil {
		return fmt.Errorf("open shared refresh token: %w", err)
	}
	tokens, err := s.oauth.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	newRec, err := s.buildRecord(p.UserID, tokens)
	if err != nil {
		return err
	}

	switch err := s.central.CompareAndSwap(ctx, p.UserID, rec.RefreshCT, newRec); {
	case err == nil:
		return s.adoptRecord(ctx, p, newRec)
	case errors.Is(err, types.ErrCASConflict):
		// Another actor rotated the token first. Its generation wins; ours
		// is dropped on the floor.
		winner, readErr := s.central.Get(ctx, p.UserID)
		if readErr != nil {
			return fmt.Errorf("read winning token record: %w", readErr)
		}
		return s.adoptRecord(ctx, p, winner)
	case errors.Is(err, types.ErrNoRecord):
		// Row vanished between read and write; seed it with our tokens.
		if putErr := s.central.Put(ctx, newRec); putErr != nil {
			return fmt.Errorf("seed token record: %w", putErr)
		}
		return s.adoptRecord(ctx, p, newRec)
	default:
		return fmt.Errorf("cas token record: %w", err)
	}
}

// ResolveAuthForAction returns a usable access token for acting on the
// participant's behalf. Returns ("", nil) when no token is stored (the
// caller falls back to an unauthenticated flow) and ErrTokenExpired when
// the token is expired and could not be refreshed.
func (s *Service) ResolveAuthForAction(ctx context.Context, p *types.Participant) (string, error) {
	if p.AccessTokenCT == "" && p.RefreshTokenCT == "" {
		return "", nil
	}
	if p.AccessTokenCT == "" || s.IsTokenExpired(p, 0) {
		if err := s.RefreshToken(ctx, p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
	}
	token, err := s.cipher.Open(p.AccessTokenCT)
	if err != nil {
		return "", fmt.Errorf("open access token: %w", err)
	}
	return token, nil
}

func (s *Service) recordExpired(rec *types.CentralTokenRecord) bool {
	if rec.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Add(s.buffer).Before(rec.ExpiresAt)
}

// adoptPlaintext seals a token pair onto the participant without persisting.
func (s *Service) adoptPlaintext(p *types.Participant, tokens *types.OAuthTokens) error {
	accessCT, err := s.cipher.Seal(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshCT, err := s.cipher.Seal(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	p.AccessTokenCT = accessCT
	p.RefreshTokenCT = refreshCT
	if tokens.ExpiresIn > 0 {
		p.TokenExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	} else {
		p.TokenExpiresAt = time.Time{}
	}
	return nil
}

// adoptRecord copies the shared record's ciphertexts onto the participant
// and persists. All actors share one seal identity, so ciphertext written
// by any instance opens everywhere.
func (s *Service) adoptRecord(ctx context.Context, p *types.Participant, rec *types.CentralTokenRecord) error {
	p.AccessTokenCT = rec.AccessCT
	p.RefreshTokenCT = rec.RefreshCT
	p.TokenExpiresAt = rec.ExpiresAt
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("persist adopted tokens: %w", err)
	}
	return nil
}

func (s *Service) buildRecord(identity string, tokens *types.OAuthTokens) (*types.CentralTokenRecord, error) {
	accessCT, err := s.cipher.Seal(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	refreshCT, err := s.cipher.Seal(tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	rec := &types.CentralTokenRecord{
		Identity:  identity,
		AccessCT:  accessCT,
		RefreshCT: refreshCT,
	}
	if tokens.ExpiresIn > 0 {
		rec.ExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	return rec, nil
}

// seedCentral best-effort writes the participant's current tokens into the
// shared store after a successful local refresh.
func (s *Service) seedCentral(ctx context.Context, p *types.Participant) {
	rec := &types.CentralTokenRecord{
		Identity:  p.UserID,
		AccessCT:  p.AccessTokenCT,
		RefreshCT: p.RefreshTokenCT,
		ExpiresAt: p.TokenExpiresAt,
	}
	if err := s.central.Put(ctx, rec); err != nil {
		slog.Warn("seed central token store failed", "identity", p.UserID, "error", err)
	}
}
