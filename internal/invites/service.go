package invites

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/store"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/validator"
)

const (
	// maxActiveLinks bounds how many unredeemed, unexpired links a sponsor may
	// hold at once.
	maxActiveLinks = 5

	defaultLinkTTL      = 72 * time.Hour
	defaultValidityDays = 1
	maxValidityDays     = 30

	defaultQRSize = 256
)

// Config bundles the options required to build a Service.
type Config struct {
	Secret  string
	Issuer  string
	BaseURL string
	LinkTTL time.Duration
	QRSize  int
	Clock   func() time.Time
}

// linkClaims are the custom claims embedded in invite tokens.
type linkClaims struct {
	SponsorID string `json:"spo"`
	LinkID    string `json:"lnk"`
	jwt.RegisteredClaims
}

// IssueInput describes the invite a sponsor wants to create.
type IssueInput struct {
	SponsorID           string `validate:"required"`
	ExpectedVisitorName string `validate:"omitempty,max=255"`
	ValidityDays        int    `validate:"omitempty,min=1,max=30"`
}

// IssuedLink is the shareable result of Issue. Token is returned once and
// never stored; only its hash is persisted.
type IssuedLink struct {
	Link   *models.InviteLink
	Token  string
	URL    string
	QRCode []byte
}

// RedeemInput carries the visitor's self-registration form.
type RedeemInput struct {
	Token      string `validate:"required"`
	Name       string `validate:"required,max=255"`
	DocumentID string `validate:"required,cpf"`
	Phone      string `validate:"omitempty,max=32"`
	Email      string `validate:"omitempty,email"`
}

// Service issues and redeems single-use invitation links. Redemption creates a
// visitor grant in the awaiting state; the sponsor still has to release it.
type Service struct {
	db      *gorm.DB
	grants  *store.VisitorStore
	secret  []byte
	issuer  string
	baseURL string
	linkTTL time.Duration
	qrSize  int
	now     func() time.Time
	log     *zap.Logger
}

// NewService constructs an invite Service.
func NewService(db *gorm.DB, grants *store.VisitorStore, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("invites: db is required")
	}
	if grants == nil {
		return nil, errors.New("invites: grant store is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("invites: secret is required")
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	qrSize := cfg.QRSize
	if qrSize <= 0 {
		qrSize = defaultQRSize
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Service{
		db:      db,
		grants:  grants,
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
		baseURL: cfg.BaseURL,
		linkTTL: ttl,
		qrSize:  qrSize,
		now:     now,
		log:     logger.WithModule("invites"),
	}, nil
}

// Issue creates a single-use invite link for a sponsor, returning the signed
// token, the shareable URL and a QR code image.
func (s *Service) Issue(ctx context.Context, input IssueInput) (*IssuedLink, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.ErrValidation.WithInternal(err)
	}

	active, err := s.countActive(ctx, input.SponsorID)
	if err != nil {
		return nil, err
	}
	if active >= maxActiveLinks {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("sponsor already holds %d active invite links", maxActiveLinks))
	}

	validityDays := input.ValidityDays
	if validityDays <= 0 {
		validityDays = defaultValidityDays
	}

	now := s.now()
	link := &models.InviteLink{
		SponsorID:           input.SponsorID,
		ExpectedVisitorName: input.ExpectedVisitorName,
		ValidityDays:        validityDays,
		ExpiresAt:           now.Add(s.linkTTL),
	}
	link.ID = uuid.NewString()

	token, err := s.sign(link, now)
	if err != nil {
		return nil, err
	}
	link.TokenHash = hashToken(token)

	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return nil, fmt.Errorf("invites: create link: %w", err)
	}

	url := s.baseURL + "/invite/" + token
	png, err := qrcode.Encode(url, qrcode.Medium, s.qrSize)
	if err != nil {
		return nil, fmt.Errorf("invites: encode qr: %w", err)
	}

	s.log.Info("invite link issued",
		zap.String("link_id", link.ID),
		zap.String("sponsor_id", link.SponsorID))

	return &IssuedLink{Link: link, Token: token, URL: url, QRCode: png}, nil
}

// Redeem consumes an invite link and creates an awaiting grant for the
// visitor. The validity window starts at redemption and spans the whole days
// the sponsor configured on the link.
func (s *Service) Redeem(ctx context.Context, input RedeemInput) (*models.VisitorGrant, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.ErrValidation.WithInternal(err)
	}

	link, err := s.verify(ctx, input.Token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !link.Usable(now) {
		return nil, apperrors.NewValidation("invite link is expired or already used")
	}

	// One open grant per visitor document per sponsor.
	existing, err := s.grants.Find(ctx, store.GrantQuery{
		SponsorID:  link.SponsorID,
		DocumentID: input.DocumentID,
		States: []models.GrantState{
			models.GrantAwaiting,
			models.GrantGranted,
			models.GrantActive,
			models.GrantPendingProvisioning,
			models.GrantProvisionSucceeded,
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, apperrors.NewValidation("an open grant already exists for this document")
	}

	grant := &models.VisitorGrant{
		Name:       input.Name,
		DocumentID: input.DocumentID,
		Phone:      input.Phone,
		Email:      input.Email,
		SponsorID:  link.SponsorID,
		ValidFrom:  now,
		ValidUntil: now.Add(time.Duration(link.ValidityDays) * 24 * time.Hour),
		State:      models.GrantAwaiting,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Consume the link before creating the grant; the unique token hash
		// plus this guarded update makes redemption single-use under races.
		result := tx.Model(&models.InviteLink{}).
			Where("id = ? AND used_at IS NULL", link.ID).
			Update("used_at", now)
		if result.Error != nil {
			return fmt.Errorf("invites: consume link: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.NewValidation("invite link is expired or already used")
		}

		if err := tx.Create(grant).Error; err != nil {
			return fmt.Errorf("invites: create grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invite redeemed",
		zap.String("link_id", link.ID),
		zap.String("grant_id", grant.ID))
	return grant, nil
}

// ListActive returns a sponsor's unredeemed, unexpired links.
func (s *Service) ListActive(ctx context.Context, sponsorID string) ([]models.InviteLink, error) {
	var links []models.InviteLink
	err := s.db.WithContext(ctx).
		Where("sponsor_id = ? AND used_at IS NULL AND expires_at > ?", sponsorID, s.now()).
		Order("created_at DESC").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("invites: list links: %w", err)
	}
	return links, nil
}

func (s *Service) countActive(ctx context.Context, sponsorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.InviteLink{}).
		Where("sponsor_id = ? AND used_at IS NULL AND expires_at > ?", sponsorID, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("invites: count links: %w", err)
	}
	return count, nil
}

func (s *Service) sign(link *models.InviteLink, now time.Time) (string, error) {
	claims := &linkClaims{
		SponsorID: link.SponsorID,
		LinkID:    link.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   link.SponsorID,
			Issuer:    s.issuer,
			ID:        link.ID,
			ExpiresAt: jwt.NewNumericDate(link.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("invites: sign token: %w", err)
	}
	return signed, nil
}

// verify checks the token signature and loads the matching stored link.
func (s *Service) verify(ctx context.Context, tokenString string) (*models.InviteLink, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims linkClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, apperrors.NewValidation("invite token is invalid").WithInternal(err)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, apperrors.NewValidation("invite token is invalid")
	}

	var link models.InviteLink
	err = s.db.WithContext(ctx).First(&link, "token_hash = ?", hashToken(tokenString)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithMessage("invite link not found")
	}
	if err != nil {
		return nil, fmt.Errorf("invites: load link: %w", err)
	}
	if link.ID != claims.LinkID {
		return nil, apperrors.NewValidation("invite token is invalid")
	}
	return &link, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
