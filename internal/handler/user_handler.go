package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/user"
)

// ProfileEditor はユーザーハンドラーが必要とするサービスインターフェース。
type ProfileEditor interface {
	Edit(ctx context.Context, updater user.ProfileUpdater, current *model.UserProfile, form user.EditForm) error
}

// UserHandler はプロフィール編集のHTTPハンドラー。
type UserHandler struct {
	service ProfileEditor
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service ProfileEditor) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// UpdateProfile は表示名と写真URLを更新する。
// 入力エラーの場合はプロフィールタブにエラーを表示する。
// POST /profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	state := coordinator.State()
	form := user.EditForm{
		DisplayName: r.PostFormValue("displayName"),
		PhotoURL:    r.PostFormValue("photoURL"),
	}

	if err := h.service.Edit(r.Context(), coordinator, state.Profile, form); err != nil {
		status := http.StatusInternalServerError
		if apiErr, ok := model.AsAPIError(err); ok {
			status = middleware.StatusForAPIError(apiErr)
		} else {
			slog.Error("failed to update profile", slog.String("error", err.Error()))
		}

		view := newDashboardView(r, coordinator.State(), tabProfile)
		view.Error = model.UserMessage(err)
		render(w, status, "dashboard.html", view)
		return
	}

	http.Redirect(w, r, "/dashboard?tab="+tabProfile, http.StatusSeeOther)
}
