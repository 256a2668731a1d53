package oauth

import (
	"net/http"

	"github.com/hitoshi/authflow/internal/model"
)

// ErrorResponse はプロバイダーが返したerrorパラメータに対する応答。
type ErrorResponse struct {
	Status  int
	Message string
}

const declinedMessage = "You’ve declined access to the application. If this was a mistake, you can try again."

var googleErrors = map[string]ErrorResponse{
	"invalid_request": {
		Status:  http.StatusBadRequest,
		Message: "Oops! Something went wrong with your request. Please check your input and try again.",
	},
	"access_denied": {
		Status:  http.StatusForbidden,
		Message: declinedMessage,
	},
	"server_error": {
		Status:  http.StatusInternalServerError,
		Message: model.GenericFailureMessage,
	},
	"temporarily_unavailable": {
		Status:  http.StatusServiceUnavailable,
		Message: "The service is currently unavailable. Please try again shortly.",
	},
}

var githubErrors = map[string]ErrorResponse{
	"access_denied": {
		Status:  http.StatusForbidden,
		Message: declinedMessage,
	},
}

// MapProviderError はプロバイダー固有のエラーコードを応答に変換する。
// 未知のコードは400と共通メッセージになる。
func MapProviderError(provider model.Provider, code string) ErrorResponse {
	var table map[string]ErrorResponse
	switch provider {
	case model.ProviderGoogle:
		table = googleErrors
	case model.ProviderGitHub:
		table = githubErrors
	}

	if resp, ok := table[code]; ok {
		return resp
	}
	return ErrorResponse{Status: http.StatusBadRequest, Message: model.GenericFailureMessage}
}
