package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/autopress/internal/model"
)

// ErrorResponseBody は全エンドポイント共通のエラーレスポンス形式。
// codeは機械判定用の識別子、categoryは原因の所在、actionは利用者への対処案内を表す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はAPIErrorを共通形式のJSONとしてレスポンスへ書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response", slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は500の定型エラーレスポンスを書き込む。
// 内部事情はレスポンスに載せず、ログ側にのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
