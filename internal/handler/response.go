// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvに読み込む。失敗時は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 認証情報のどの要素が誤っていたかは外部に返さない。
func handleServiceError(w http.ResponseWriter, err error) {
	var rateErr *model.RateLimitError
	if errors.As(err, &rateErr) {
		middleware.WriteRateLimited(w, rateErr.RetryAfter)
		return
	}

	switch {
	case errors.Is(err, model.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
		return
	case errors.Is(err, model.ErrTokenReused):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewSessionTerminatedError())
		return
	case errors.Is(err, model.ErrSingleUseTokenInvalid), errors.Is(err, model.ErrSingleUseTokenExpired):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSingleUseTokenError())
		return
	case errors.Is(err, model.ErrSingleUseTokenAlreadyUsed):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewSingleUseTokenUsedError())
		return
	case errors.Is(err, model.ErrEmailTaken):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// ドメインエラー以外は内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeTokenExpired, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeSessionTerminated, model.ErrCodeCSRFFailed, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest, model.ErrCodeWeakPassword,
		model.ErrCodeInvalidToken, model.ErrCodeTokenUsed:
		return http.StatusBadRequest
	case model.ErrCodeEmailTaken:
		return http.StatusConflict
	case model.ErrCodeOAuthFailed:
		return http.StatusBadGateway
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// userResponse はユーザー情報のレスポンス。
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	ClinicID      string `json:"clinicId"`
	EmailVerified bool   `json:"emailVerified"`
	HasPassword   bool   `json:"hasPassword"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          string(u.Role),
		ClinicID:      u.ClinicID,
		EmailVerified: u.EmailVerified,
		HasPassword:   u.HasPassword(),
	}
}

// isSessionTerminated はセッションを終了させるべきエラーかを返す。
func isSessionTerminated(err error) bool {
	return errors.Is(err, model.ErrTokenReused)
}
