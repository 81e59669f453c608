// Package user はプロフィール編集のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/security"
)

// ProfileUpdater はサインイン中のユーザーのプロフィールを部分更新する。
// session.Coordinatorが実装する。
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, update model.ProfileUpdate) error
}

// EditForm はプロフィール編集フォームの入力値。
type EditForm struct {
	DisplayName string
	PhotoURL    string // 空文字列は写真の削除を表す
}

// Service はプロフィール編集のサービス層。
// 入力のサニタイズと写真URLの検証を行い、変更されたフィールドだけを書き込む。
type Service struct {
	sanitizer  security.DisplayNameSanitizer
	photoGuard security.SSRFGuardService
	probePhoto bool
}

// NewService はServiceの新しいインスタンスを生成する。
// probePhotoがtrueの場合、写真URLが実際に画像を返すかをHEADリクエストで確認する。
func NewService(sanitizer security.DisplayNameSanitizer, photoGuard security.SSRFGuardService, probePhoto bool) *Service {
	return &Service{
		sanitizer:  sanitizer,
		photoGuard: photoGuard,
		probePhoto: probePhoto,
	}
}

// BuildUpdate はフォームの入力値を検証し、現在のプロフィールとの差分を返す。
// currentがnilの場合は全てのフィールドを変更対象とする。
func (s *Service) BuildUpdate(ctx context.Context, current *model.UserProfile, form EditForm) (model.ProfileUpdate, error) {
	var update model.ProfileUpdate

	name, err := s.sanitizer.Sanitize(form.DisplayName)
	if errors.Is(err, security.ErrDisplayNameEmpty) {
		return update, model.NewInvalidProfileError("display name is required")
	}
	if errors.Is(err, security.ErrDisplayNameTooLong) {
		return update, model.NewInvalidProfileError("display name is too long")
	}
	if err != nil {
		return update, err
	}
	if current == nil || current.DisplayName != name {
		update.DisplayName = model.StringPtr(name)
	}

	photoURL := strings.TrimSpace(form.PhotoURL)
	if current != nil && current.PhotoURL == photoURL {
		return update, nil
	}
	if photoURL != "" {
		if err := s.photoGuard.ValidateURL(photoURL); err != nil {
			slog.Info("写真URLを拒否しました", slog.String("reason", err.Error()))
			return update, model.NewInvalidProfileError("photo URL must be a public https address")
		}
		if s.probePhoto {
			if err := s.photoGuard.ProbeImage(ctx, photoURL); err != nil {
				slog.Info("写真URLの確認に失敗しました", slog.String("reason", err.Error()))
				return update, model.NewInvalidProfileError("photo URL does not point to an image")
			}
		}
	}
	update.PhotoURL = model.StringPtr(photoURL)

	return update, nil
}

// Edit はフォームの入力値でプロフィールを更新する。変更がない場合は何もしない。
func (s *Service) Edit(ctx context.Context, updater ProfileUpdater, current *model.UserProfile, form EditForm) error {
	update, err := s.BuildUpdate(ctx, current, form)
	if err != nil {
		return err
	}
	if update.IsEmpty() {
		return nil
	}

	if err := updater.UpdateProfile(ctx, update); err != nil {
		return err
	}

	uid := ""
	if current != nil {
		uid = current.UID
	}
	slog.Info("プロフィールを更新しました",
		slog.String("user_id", uid),
		slog.Int("fields", len(update.Fields())),
	)
	return nil
}
