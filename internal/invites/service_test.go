package invites

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/database/testutil"
	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/store"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
)

func newTestService(t *testing.T, mutate ...func(*Config)) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	grants, err := store.NewVisitorStore(db)
	require.NoError(t, err)

	cfg := Config{
		Secret:  "test-secret",
		Issuer:  "visitgate-test",
		BaseURL: "https://visitgate.example.com",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	svc, err := NewService(db, grants, cfg)
	require.NoError(t, err)
	return svc, db
}

func validRedeem(token string) RedeemInput {
	return RedeemInput{
		Token:      token,
		Name:       "Ana Souza",
		DocumentID: "52998224725",
		Phone:      "+5511999998888",
		Email:      "ana@example.com",
	}
}

func TestIssue(t *testing.T) {
	svc, _ := newTestService(t)

	issued, err := svc.Issue(context.Background(), IssueInput{
		SponsorID:           "sponsor-1",
		ExpectedVisitorName: "Ana Souza",
		ValidityDays:        3,
	})
	require.NoError(t, err)

	require.NotEmpty(t, issued.Token)
	require.Equal(t, "https://visitgate.example.com/invite/"+issued.Token, issued.URL)
	require.Equal(t, 3, issued.Link.ValidityDays)
	require.NotEqual(t, issued.Token, issued.Link.TokenHash)

	// The QR payload is a PNG image.
	require.True(t, bytes.HasPrefix(issued.QRCode, []byte("\x89PNG")))
}

func TestIssueEnforcesActiveLinkLimit(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < maxActiveLinks; i++ {
		_, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
		require.NoError(t, err)
	}

	_, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	// Another sponsor is unaffected.
	_, err = svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-2"})
	require.NoError(t, err)
}

func TestRedeem(t *testing.T) {
	svc, db := newTestService(t)

	issued, err := svc.Issue(context.Background(), IssueInput{
		SponsorID:    "sponsor-1",
		ValidityDays: 2,
	})
	require.NoError(t, err)

	before := time.Now()
	grant, err := svc.Redeem(context.Background(), validRedeem(issued.Token))
	require.NoError(t, err)

	require.Equal(t, models.GrantAwaiting, grant.State)
	require.Equal(t, "sponsor-1", grant.SponsorID)
	require.Equal(t, "52998224725", grant.DocumentID)
	require.WithinDuration(t, before, grant.ValidFrom, 2*time.Second)
	require.WithinDuration(t, grant.ValidFrom.Add(48*time.Hour), grant.ValidUntil, time.Second)

	var link models.InviteLink
	require.NoError(t, db.First(&link, "id = ?", issued.Link.ID).Error)
	require.NotNil(t, link.UsedAt)
}

func TestRedeemIsSingleUse(t *testing.T) {
	svc, _ := newTestService(t)

	issued, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), validRedeem(issued.Token))
	require.NoError(t, err)

	input := validRedeem(issued.Token)
	input.DocumentID = "98765432100"
	_, err = svc.Redeem(context.Background(), input)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRedeemRejectsForgedToken(t *testing.T) {
	svc, _ := newTestService(t)
	other, _ := newTestService(t, func(cfg *Config) { cfg.Secret = "other-secret" })

	forged, err := other.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), validRedeem(forged.Token))
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.Redeem(context.Background(), validRedeem("not-a-jwt"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRedeemRejectsExpiredLink(t *testing.T) {
	past := time.Now().Add(-96 * time.Hour)
	svc, _ := newTestService(t, func(cfg *Config) {
		cfg.Clock = func() time.Time { return past }
	})

	issued, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.NoError(t, err)

	// Back to the real clock: the 72h link TTL has elapsed.
	fresh, _ := newTestService(t)
	fresh.db = svc.db
	fresh.grants = svc.grants

	_, err = fresh.Redeem(context.Background(), validRedeem(issued.Token))
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRedeemRejectsDuplicateOpenGrant(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.NoError(t, err)
	_, err = svc.Redeem(context.Background(), validRedeem(first.Token))
	require.NoError(t, err)

	second, err := svc.Issue(context.Background(), IssueInput{SponsorID: "sponsor-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), validRedeem(second.Token))
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestListActive(t *testing.T) {
	svc, _ := newTestService(t)

	var tokens []string
	for i := 0; i < 3; i++ {
		issued, err := svc.Issue(context.Background(), IssueInput{
			SponsorID:           "sponsor-1",
			ExpectedVisitorName: fmt.Sprintf("Visitor %d", i),
		})
		require.NoError(t, err)
		tokens = append(tokens, issued.Token)
	}

	input := validRedeem(tokens[0])
	_, err := svc.Redeem(context.Background(), input)
	require.NoError(t, err)

	links, err := svc.ListActive(context.Background(), "sponsor-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
}
