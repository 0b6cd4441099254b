package gemini

import (
	"errors"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"node.town/tarjama/transcript"
)

// classify maps a GenerateContent failure to an error kind using the
// structured error types the client library returns.
func classify(err error) transcript.Kind {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return transcript.KindEmptyResult
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Reason() == "API_KEY_INVALID" {
			return transcript.KindAuthFailure
		}
		if code := apiErr.HTTPCode(); code > 0 {
			return kindForHTTP(code)
		}
		if st := apiErr.GRPCStatus(); st != nil {
			return kindForCode(st.Code())
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return kindForHTTP(gerr.Code)
	}

	if st, ok := status.FromError(err); ok {
		return kindForCode(st.Code())
	}

	// Transport errors, timeouts and 5xx all land here.
	return transcript.KindNetworkFailure
}

func kindForHTTP(code int) transcript.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return transcript.KindAuthFailure
	case http.StatusTooManyRequests:
		return transcript.KindRateLimited
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return transcript.KindUnsupportedFormat
	}
	return transcript.KindNetworkFailure
}

func kindForCode(code codes.Code) transcript.Kind {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return transcript.KindAuthFailure
	case codes.ResourceExhausted:
		return transcript.KindRateLimited
	case codes.InvalidArgument:
		return transcript.KindUnsupportedFormat
	}
	return transcript.KindNetworkFailure
}
