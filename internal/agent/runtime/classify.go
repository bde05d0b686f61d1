package runtime

import (
	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/wire"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
)

// ClassifyError turns a protocol-layer failure into a taxonomy error,
// preferring the last structured error captured on the wire over the raw
// failure text.
func ClassifyError(capture *wire.Capture, err error) *apperrors.AppError {
	if capture != nil {
		if we := capture.LastError(); we != nil {
			detail := we.Detail()
			switch we.Code {
			case wire.CodeAuthRequired:
				return apperrors.AuthRequired(detail)
			case wire.CodeInternal:
				return apperrors.Internal(detail, err)
			default:
				return apperrors.Protocol(detail)
			}
		}
	}
	return apperrors.ProcessCrashed(wire.CleanErrorMessage(err.Error()))
}

// ClassifyCrash produces the coarse kind and message for an out-of-band
// crash notification.
func ClassifyCrash(capture *wire.Capture, err error) (string, string) {
	if capture != nil {
		if we := capture.LastError(); we != nil {
			detail := we.Detail()
			switch we.Code {
			case wire.CodeAuthRequired:
				return events.CrashKindAuthRequired, detail
			case wire.CodeInternal:
				return events.CrashKindInternal, detail
			default:
				return events.CrashKindProtocol, detail
			}
		}
	}
	msg := "agent process ended unexpectedly"
	if err != nil {
		msg = wire.CleanErrorMessage(err.Error())
	}
	return events.CrashKindCrashed, msg
}
