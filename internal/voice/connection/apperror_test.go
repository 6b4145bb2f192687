package connection

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbot/voicecore/internal/voice/domain"
	apperrors "github.com/chatbot/voicecore/pkg/errors"
)

func TestToAppError_Nil(t *testing.T) {
	assert.Nil(t, ToAppError(nil))
}

func TestToAppError_Mapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantCode   apperrors.ErrorCode
		wantStatus int
	}{
		{"capacity exceeded", domain.ErrCapacityExceeded, apperrors.ErrCodeConflict, http.StatusConflict},
		{"already active", domain.ErrAlreadyActive, apperrors.ErrCodeConflict, http.StatusConflict},
		{"peer not found", domain.ErrPeerNotFound, apperrors.ErrCodeNotFound, http.StatusNotFound},
		{"no media source", domain.ErrNoMediaSource, apperrors.ErrCodeNotFound, http.StatusNotFound},
		{"decoder file missing", domain.ErrDecoderFileMissing, apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"channel mismatch", domain.ErrChannelMismatch, apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"transport disconnected", domain.ErrTransportDisconnected, apperrors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"peer connection build", domain.ErrPeerConnectionBuild, apperrors.ErrCodeBadGateway, http.StatusBadGateway},
		{"negotiation failed", domain.ErrNegotiationFailed, apperrors.ErrCodeBadGateway, http.StatusBadGateway},
		{"decoder spawn failed", domain.ErrDecoderSpawnFailed, apperrors.ErrCodeBadGateway, http.StatusBadGateway},
		{"decoder exited empty", domain.ErrDecoderExitedEmpty, apperrors.ErrCodeBadGateway, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := ToAppError(tc.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tc.wantCode, appErr.Code)
			assert.Equal(t, tc.wantStatus, appErr.HTTPStatus)
		})
	}
}

func TestToAppError_WrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("admission failed: %w", domain.ErrCapacityExceeded)
	appErr := ToAppError(wrapped)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
}

func TestToAppError_UnknownDefaultsToInternal(t *testing.T) {
	appErr := ToAppError(fmt.Errorf("some unmapped error"))
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInternal, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
}
