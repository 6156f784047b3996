package tasks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
)

func testHandlers() *Handlers {
	return &Handlers{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func payloadCode(t *testing.T, err error) domain.Code {
	t.Helper()
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	return derr.Code
}

func TestSendEmail_PayloadValidation(t *testing.T) {
	h := testHandlers()
	ctx := context.Background()

	tests := []struct {
		name     string
		payload  string
		wantCode domain.Code
	}{
		{name: "not json", payload: `{broken`, wantCode: domain.CodeInvalidPayload},
		{name: "missing to", payload: `{"template":"welcome"}`, wantCode: domain.CodeInvalidPayload},
		{name: "missing template", payload: `{"to":"pat@example.com"}`, wantCode: domain.CodeInvalidPayload},
		{
			name:     "valid payload but no broker",
			payload:  `{"to":"pat@example.com","template":"welcome"}`,
			wantCode: domain.CodeExternalServiceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.SendEmail(ctx, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, payloadCode(t, err))
		})
	}
}

func TestSendEmail_BrokerFailureIsRetryable(t *testing.T) {
	h := testHandlers()
	_, err := h.SendEmail(context.Background(), json.RawMessage(`{"to":"pat@example.com","template":"welcome"}`))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestCleanupExpired_TargetWhitelist(t *testing.T) {
	h := testHandlers()
	ctx := context.Background()

	tests := []struct {
		name     string
		payload  string
		wantCode domain.Code
	}{
		{
			name:     "unknown table",
			payload:  `{"table":"users","expirationField":"expires_at","olderThanDays":30}`,
			wantCode: domain.CodeInvalidPayload,
		},
		{
			name:     "column not allowed for table",
			payload:  `{"table":"jobs","expirationField":"expires_at","olderThanDays":30}`,
			wantCode: domain.CodeInvalidPayload,
		},
		{
			name:     "injection attempt in table name",
			payload:  `{"table":"jobs; DROP TABLE jobs","expirationField":"completed_at","olderThanDays":30}`,
			wantCode: domain.CodeInvalidPayload,
		},
		{
			name:     "non-positive retention window",
			payload:  `{"table":"sessions","expirationField":"expires_at","olderThanDays":0}`,
			wantCode: domain.CodeInvalidPayload,
		},
		{
			name:     "valid target but no database",
			payload:  `{"table":"sessions","expirationField":"expires_at","olderThanDays":30}`,
			wantCode: domain.CodeDatabaseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.CleanupExpired(ctx, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, payloadCode(t, err))
		})
	}
}

func TestProcessUpload(t *testing.T) {
	h := testHandlers()
	ctx := context.Background()

	_, err := h.ProcessUpload(ctx, json.RawMessage(`{"documentId":"d-1"}`))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidPayload, payloadCode(t, err))
	assert.False(t, domain.IsRetryable(err))

	result, err := h.ProcessUpload(ctx, json.RawMessage(`{"documentId":"d-1","bucket":"uploads","path":"2026/03/w2.pdf"}`))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, true, out["processed"])
	assert.Equal(t, "d-1", out["documentId"])
}

func TestSyncData_PayloadValidation(t *testing.T) {
	h := testHandlers()
	ctx := context.Background()

	_, err := h.SyncData(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidPayload, payloadCode(t, err))

	_, err = h.SyncData(ctx, json.RawMessage(`{"entity":"clients"}`))
	require.Error(t, err)
	assert.Equal(t, domain.CodeExternalServiceError, payloadCode(t, err))
	assert.True(t, domain.IsRetryable(err))
}

func TestInvalidPayloadErrorsAreNotRetryable(t *testing.T) {
	h := testHandlers()
	_, err := h.SendEmail(context.Background(), json.RawMessage(`{broken`))
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, domain.CodeInvalidPayload, payloadCode(t, err))
}
