package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/clinicman/internal/clinic"
	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
)

// ClinicServiceInterface はクリニックハンドラーが必要とするサービスインターフェース。
type ClinicServiceInterface interface {
	Register(ctx context.Context, in clinic.RegisterInput) (*model.Clinic, *model.User, error)
	AddMember(ctx context.Context, clinicID string, in clinic.AddMemberInput) (*model.User, error)
	ChangeRole(ctx context.Context, clinicID, actorID, userID string, role model.Role) (*model.User, error)
	ListMembers(ctx context.Context, clinicID string) ([]*model.User, error)
}

// ClinicHandler はクリニック登録とメンバー管理のHTTPハンドラー。
type ClinicHandler struct {
	service ClinicServiceInterface
}

// NewClinicHandler はClinicHandlerを生成する。
func NewClinicHandler(service ClinicServiceInterface) *ClinicHandler {
	return &ClinicHandler{service: service}
}

type registerClinicRequest struct {
	ClinicName string `json:"clinicName"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type clinicResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type registerClinicResponse struct {
	Clinic clinicResponse `json:"clinic"`
	User   userResponse   `json:"user"`
}

type addMemberRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type membersResponse struct {
	Members []userResponse `json:"members"`
}

// Register は新しいクリニックと管理者ユーザーを作成する。
// POST /clinics
// ログインは行わない。確認メールのリンクを開いた後にログインする。
func (h *ClinicHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerClinicRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, admin, err := h.service.Register(r.Context(), clinic.RegisterInput{
		ClinicName: req.ClinicName,
		Name:       req.Name,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerClinicResponse{
		Clinic: clinicResponse{ID: c.ID, Name: c.Name},
		User:   toUserResponse(admin),
	})
}

// ListMembers は呼び出し元のクリニックに所属するユーザー一覧を返す。
// GET /api/clinic/members
func (h *ClinicHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	users, err := h.service.ListMembers(r.Context(), p.ClinicID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := membersResponse{Members: make([]userResponse, 0, len(users))}
	for _, u := range users {
		resp.Members = append(resp.Members, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddMember はクリニックにユーザーを追加する。
// POST /api/clinic/members
func (h *ClinicHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.AddMember(r.Context(), p.ClinicID, clinic.AddMemberInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     model.Role(req.Role),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// ChangeRole はメンバーの権限を変更する。
// PATCH /api/clinic/members/{id}
func (h *ClinicHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req changeRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.ChangeRole(r.Context(), p.ClinicID, p.UserID, chi.URLParam(r, "id"), model.Role(req.Role))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}
