package connection

import (
	"errors"
	"net/http"

	"github.com/chatbot/voicecore/internal/voice/domain"
	apperrors "github.com/chatbot/voicecore/pkg/errors"
)

// ToAppError classifies an error returned from a VoiceConnection method
// into the taxonomy an embedding application's status endpoint reports.
// Only called at the outward-facing surface — PlayFile/PlayURL/PlayVideo/
// Join callers that expose HTTP status — never inside the orchestrator
// itself, which keeps propagating the plain wrapped sentinel errors.
func ToAppError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrCapacityExceeded):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "channel at capacity", http.StatusConflict)
	case errors.Is(err, domain.ErrAlreadyActive):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "peer already active", http.StatusConflict)
	case errors.Is(err, domain.ErrPeerNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNoMediaSource):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "no active media source", http.StatusNotFound)
	case errors.Is(err, domain.ErrDecoderFileMissing):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "media input not found", http.StatusBadRequest)
	case errors.Is(err, domain.ErrChannelMismatch):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "channel id mismatch", http.StatusBadRequest)
	case errors.Is(err, domain.ErrTransportDisconnected):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "signalling transport disconnected", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrPeerConnectionBuild), errors.Is(err, domain.ErrNegotiationFailed),
		errors.Is(err, domain.ErrDecoderSpawnFailed), errors.Is(err, domain.ErrDecoderExitedEmpty):
		return apperrors.WrapError(err, apperrors.ErrCodeBadGateway, "webrtc negotiation or decoder failure", http.StatusBadGateway)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal voice core error", http.StatusInternalServerError)
	}
}
