package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/coursehistory/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

var errInternal = errors.New("internal error")

// WriteAPIError はAPIErrorに対応するHTTPステータスを選んでレスポンスを書き込む。
// APIErrorでないエラーは500として扱い、詳細は返さない。
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// StatusForAPIError はエラーコードからHTTPステータスを決める。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeEmailInUse:
		return http.StatusConflict
	case model.ErrCodeUserNotFound, model.ErrCodeWrongPassword, model.ErrCodeUnauthenticated, model.ErrCodePopupClosed:
		return http.StatusUnauthorized
	case model.ErrCodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  model.UserMessage(errInternal),
		Category: "system",
		Action:   "Wait a moment and try again.",
	})
}

// wantsJSON はJSONで応答すべきリクエストかを判定する。
// /api/ 配下、またはAcceptにapplication/jsonを含む場合にtrueを返す。
func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
