package hikcentral

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portariahub/visitgate/internal/models"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/metrics"
)

const (
	defaultTimeout = 10 * time.Second

	pathCreateUser     = "/ISAPI/AccessControl/UserInfo/Record"
	pathModifyUser     = "/ISAPI/AccessControl/UserInfo/Modify"
	pathDeleteUser     = "/ISAPI/AccessControl/UserInfo/Delete"
	pathAddFaceData    = "/ISAPI/Intelligent/FDLib/FaceDataRecord"
	pathSearchAcsEvent = "/ISAPI/AccessControl/AcsEvent"
	pathDeviceInfo     = "/ISAPI/System/deviceInfo"
)

// Config contains the connection options for the device API.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// Timeout bounds every request. No retry lives in this client; retry
	// policy belongs to callers so it is decided once per call-site.
	Timeout time.Duration

	DoorRight   string
	FaceLibType string
}

// Client is the synchronous REST client to the access-control platform.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// AccessEvent is a single decoded entry from the device access log.
type AccessEvent struct {
	CredentialID string    `json:"credential_id"`
	DoorNo       int       `json:"door_no"`
	EventType    int       `json:"event_type"`
	Time         time.Time `json:"time"`
}

// NewClient constructs a device client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("hikcentral: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DoorRight == "" {
		cfg.DoorRight = "1"
	}
	if cfg.FaceLibType == "" {
		cfg.FaceLibType = "blackFD"
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.WithModule("hikcentral"),
	}, nil
}

// Wire shapes mirror the device's ISAPI resources.

type validWindow struct {
	Enable    bool   `json:"enable"`
	BeginTime string `json:"beginTime,omitempty"`
	EndTime   string `json:"endTime"`
	TimeType  string `json:"timeType"`
}

type rightPlan struct {
	DoorNo         int    `json:"doorNo"`
	PlanTemplateNo string `json:"planTemplateNo"`
}

type userInfo struct {
	EmployeeNo string      `json:"employeeNo"`
	Name       string      `json:"name,omitempty"`
	UserType   string      `json:"userType,omitempty"`
	Valid      validWindow `json:"Valid"`
	DoorRight  string      `json:"doorRight,omitempty"`
	RightPlan  []rightPlan `json:"RightPlan,omitempty"`
}

type faceDataRecord struct {
	EmployeeNo  string `json:"employeeNo"`
	FaceLibType string `json:"faceLibType"`
	FDID        string `json:"FDID"`
	FaceURL     string `json:"faceURL"`
}

type responseStatus struct {
	StatusCode   int    `json:"statusCode"`
	StatusString string `json:"statusString"`
	SubStatus    string `json:"subStatusCode"`
}

type deviceResponse struct {
	ResponseStatus *responseStatus `json:"responseStatus"`
	AcsEventList   []struct {
		EmployeeNo string `json:"employeeNo"`
		DoorNo     int    `json:"doorNo"`
		Major      int    `json:"major"`
		Time       string `json:"time"`
	} `json:"AcsEventList"`
}

// CreateCredential registers the visitor on the device and returns the opaque
// credential identifier. There is no side effect until the device acknowledges
// success.
func (c *Client) CreateCredential(ctx context.Context, grant *models.VisitorGrant) (string, error) {
	if grant == nil || strings.TrimSpace(grant.Name) == "" {
		return "", apperrors.NewValidation("credential requires a visitor name")
	}
	if !grant.WindowValid() {
		return "", apperrors.NewValidation("credential requires a validity window")
	}

	body := map[string]any{
		"UserInfo": userInfo{
			EmployeeNo: grant.ID,
			Name:       grant.Name,
			UserType:   "visitor",
			Valid: validWindow{
				Enable:    true,
				BeginTime: grant.ValidFrom.UTC().Format(time.RFC3339),
				EndTime:   grant.ValidUntil.UTC().Format(time.RFC3339),
				TimeType:  "local",
			},
			DoorRight: c.cfg.DoorRight,
			RightPlan: []rightPlan{{DoorNo: 1, PlanTemplateNo: "1"}},
		},
	}

	if err := c.do(ctx, http.MethodPost, pathCreateUser, body, nil, "create_credential"); err != nil {
		return "", err
	}

	c.log.Info("credential created", zap.String("grant_id", grant.ID))
	return grant.ID, nil
}

// AttachFace uploads the face photo for an existing credential. Must be called
// only after CreateCredential succeeded for the same visitor.
func (c *Client) AttachFace(ctx context.Context, credentialID string, photo []byte) error {
	if credentialID == "" {
		return apperrors.NewValidation("credential id is required")
	}
	if len(photo) == 0 {
		return apperrors.NewValidation("face photo is required")
	}

	body := map[string]any{
		"FaceDataRecord": faceDataRecord{
			EmployeeNo:  credentialID,
			FaceLibType: c.cfg.FaceLibType,
			FDID:        uuid.NewString(),
			FaceURL:     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(photo),
		},
	}

	if err := c.do(ctx, http.MethodPost, pathAddFaceData, body, nil, "attach_face"); err != nil {
		if errors.Is(err, apperrors.ErrDeviceRejected) {
			return apperrors.ErrBiometricRejected.WithInternal(err)
		}
		return err
	}

	c.log.Info("face data attached", zap.String("credential_id", credentialID))
	return nil
}

// ExtendValidity pushes a new end-of-validity instant to the device.
func (c *Client) ExtendValidity(ctx context.Context, credentialID string, newEnd time.Time) error {
	if credentialID == "" {
		return apperrors.NewValidation("credential id is required")
	}

	body := map[string]any{
		"UserInfo": userInfo{
			EmployeeNo: credentialID,
			Valid: validWindow{
				Enable:   true,
				EndTime:  newEnd.UTC().Format(time.RFC3339),
				TimeType: "local",
			},
		},
	}

	return c.do(ctx, http.MethodPut, pathModifyUser, body, nil, "extend_validity")
}

// RemoveCredential deletes the credential from the device. Removal is
// idempotent: a credential the device does not know is treated as success so
// cleanup after a previous partial failure never blocks.
func (c *Client) RemoveCredential(ctx context.Context, credentialID string) error {
	if credentialID == "" {
		return apperrors.NewValidation("credential id is required")
	}

	body := map[string]any{
		"UserInfoDelCond": map[string]any{
			"EmployeeNoList": []map[string]string{{"employeeNo": credentialID}},
		},
	}

	err := c.do(ctx, http.MethodPut, pathDeleteUser, body, nil, "remove_credential")
	if err != nil && isUnknownCredential(err) {
		c.log.Debug("credential already absent", zap.String("credential_id", credentialID))
		return nil
	}
	return err
}

// FetchAccessLogs returns the device access events for a credential within the
// given time range.
func (c *Client) FetchAccessLogs(ctx context.Context, credentialID string, from, to time.Time) ([]AccessEvent, error) {
	if credentialID == "" {
		return nil, apperrors.NewValidation("credential id is required")
	}

	body := map[string]any{
		"SearchCondition": map[string]any{
			"searchID":             uuid.NewString(),
			"searchResultPosition": 0,
			"maxResults":           100,
			"EmployeeNoList":       []map[string]string{{"employeeNo": credentialID}},
			"TimeRange": map[string]string{
				"beginTime": from.UTC().Format(time.RFC3339),
				"endTime":   to.UTC().Format(time.RFC3339),
			},
		},
	}

	var resp deviceResponse
	if err := c.do(ctx, http.MethodPost, pathSearchAcsEvent, body, &resp, "fetch_access_logs"); err != nil {
		return nil, err
	}

	events := make([]AccessEvent, 0, len(resp.AcsEventList))
	for _, raw := range resp.AcsEventList {
		event := AccessEvent{
			CredentialID: raw.EmployeeNo,
			DoorNo:       raw.DoorNo,
			EventType:    raw.Major,
		}
		if ts, err := time.Parse(time.RFC3339, raw.Time); err == nil {
			event.Time = ts
		}
		events = append(events, event)
	}
	return events, nil
}

// TestConnectivity probes the device. Used for health reporting only; it never
// gates provisioning.
func (c *Client) TestConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathDeviceInfo, nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, body any, out *deviceResponse, operation string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hikcentral: encode %s: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hikcentral: build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.DeviceRequests.WithLabelValues(operation, "unreachable").Inc()
		return apperrors.ErrDeviceUnreachable.WithInternal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.DeviceRequests.WithLabelValues(operation, "unreachable").Inc()
		return apperrors.ErrDeviceUnreachable.WithInternal(err)
	}

	var decoded deviceResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			metrics.DeviceRequests.WithLabelValues(operation, "rejected").Inc()
			return apperrors.ErrDeviceRejected.WithInternal(fmt.Errorf("decode response: %w", err))
		}
	}

	status := decoded.ResponseStatus
	if resp.StatusCode != http.StatusOK || status == nil || status.StatusCode != 1 {
		metrics.DeviceRequests.WithLabelValues(operation, "rejected").Inc()
		detail := fmt.Sprintf("http %d", resp.StatusCode)
		if status != nil {
			detail = fmt.Sprintf("http %d: %s (%d)", resp.StatusCode, status.StatusString, status.StatusCode)
		}
		c.log.Warn("device rejected request",
			zap.String("operation", operation),
			zap.String("detail", detail))
		return apperrors.ErrDeviceRejected.WithInternal(errors.New(detail))
	}

	metrics.DeviceRequests.WithLabelValues(operation, "success").Inc()
	if out != nil {
		*out = decoded
	}
	return nil
}

// isUnknownCredential matches device rejections that indicate the credential
// is already absent.
func isUnknownCredential(err error) bool {
	if !errors.Is(err, apperrors.ErrDeviceRejected) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "notexist") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "http 404")
}
