package user

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/security"
)

// --- モック ---

type mockUpdater struct {
	updateProfileFn func(ctx context.Context, update model.ProfileUpdate) error
	calls           int
}

func (m *mockUpdater) UpdateProfile(ctx context.Context, update model.ProfileUpdate) error {
	m.calls++
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, update)
	}
	return nil
}

type mockPhotoGuard struct {
	validateURLFn func(rawURL string) error
	probeImageFn  func(ctx context.Context, rawURL string) error
	probes        int
}

func (m *mockPhotoGuard) NewSafeClient(_ time.Duration) *http.Client { return http.DefaultClient }

func (m *mockPhotoGuard) ValidateURL(rawURL string) error {
	if m.validateURLFn != nil {
		return m.validateURLFn(rawURL)
	}
	return nil
}

func (m *mockPhotoGuard) ProbeImage(ctx context.Context, rawURL string) error {
	m.probes++
	if m.probeImageFn != nil {
		return m.probeImageFn(ctx, rawURL)
	}
	return nil
}

var _ security.SSRFGuardService = (*mockPhotoGuard)(nil)
var _ ProfileUpdater = (*mockUpdater)(nil)

func currentProfile() *model.UserProfile {
	return &model.UserProfile{
		UID:         "uid-1",
		Email:       "alice@example.com",
		DisplayName: "Alice",
		PhotoURL:    "https://example.com/old.png",
	}
}

// --- テスト ---

func TestEdit_OnlyChangedFieldsAreWritten(t *testing.T) {
	guard := &mockPhotoGuard{}
	svc := NewService(security.NewDisplayNameSanitizer(), guard, true)

	var got model.ProfileUpdate
	updater := &mockUpdater{updateProfileFn: func(ctx context.Context, update model.ProfileUpdate) error {
		got = update
		return nil
	}}

	err := svc.Edit(context.Background(), updater, currentProfile(), EditForm{
		DisplayName: "  <b>Alice</b>   Liddell ",
		PhotoURL:    "https://example.com/old.png",
	})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	if got.DisplayName == nil || *got.DisplayName != "Alice Liddell" {
		t.Errorf("displayName = %v, want %q", got.DisplayName, "Alice Liddell")
	}
	if got.PhotoURL != nil || got.Email != nil || got.CreatedAt != nil || got.LastLogin != nil {
		t.Errorf("unchanged fields must not be written: %+v", got)
	}
	if guard.probes != 0 {
		t.Error("unchanged photo URL must not be probed")
	}
}

func TestEdit_NoChanges_SkipsWrite(t *testing.T) {
	svc := NewService(security.NewDisplayNameSanitizer(), &mockPhotoGuard{}, false)
	updater := &mockUpdater{}

	err := svc.Edit(context.Background(), updater, currentProfile(), EditForm{
		DisplayName: "Alice",
		PhotoURL:    "https://example.com/old.png",
	})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if updater.calls != 0 {
		t.Errorf("UpdateProfile called %d times, want 0", updater.calls)
	}
}

func TestEdit_ClearPhoto(t *testing.T) {
	guard := &mockPhotoGuard{}
	svc := NewService(security.NewDisplayNameSanitizer(), guard, true)

	update, err := svc.BuildUpdate(context.Background(), currentProfile(), EditForm{DisplayName: "Alice", PhotoURL: " "})
	if err != nil {
		t.Fatalf("BuildUpdate() error = %v", err)
	}
	if update.PhotoURL == nil || *update.PhotoURL != "" {
		t.Errorf("photoURL = %v, want empty string", update.PhotoURL)
	}
	if guard.probes != 0 {
		t.Error("empty photo URL must not be probed")
	}
}

func TestEdit_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		form  EditForm
		guard *mockPhotoGuard
	}{
		{
			name:  "empty display name",
			form:  EditForm{DisplayName: "   "},
			guard: &mockPhotoGuard{},
		},
		{
			name: "rejected photo URL",
			form: EditForm{DisplayName: "Alice", PhotoURL: "http://10.0.0.1/a.png"},
			guard: &mockPhotoGuard{validateURLFn: func(string) error {
				return errors.New("blocked IP address")
			}},
		},
		{
			name: "photo URL is not an image",
			form: EditForm{DisplayName: "Alice", PhotoURL: "https://example.com/page.html"},
			guard: &mockPhotoGuard{probeImageFn: func(context.Context, string) error {
				return errors.New("not an image")
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(security.NewDisplayNameSanitizer(), tt.guard, true)
			updater := &mockUpdater{}

			err := svc.Edit(context.Background(), updater, currentProfile(), tt.form)
			if !errors.Is(err, model.ErrInvalidProfile) {
				t.Errorf("Edit() error = %v, want InvalidProfile", err)
			}
			if updater.calls != 0 {
				t.Error("invalid input must not be written")
			}
		})
	}
}

func TestEdit_NilCurrentProfile_WritesAllFields(t *testing.T) {
	svc := NewService(security.NewDisplayNameSanitizer(), &mockPhotoGuard{}, false)

	update, err := svc.BuildUpdate(context.Background(), nil, EditForm{DisplayName: "Bob", PhotoURL: "https://example.com/b.png"})
	if err != nil {
		t.Fatalf("BuildUpdate() error = %v", err)
	}
	if update.DisplayName == nil || *update.DisplayName != "Bob" {
		t.Errorf("displayName = %v", update.DisplayName)
	}
	if update.PhotoURL == nil || *update.PhotoURL != "https://example.com/b.png" {
		t.Errorf("photoURL = %v", update.PhotoURL)
	}
}

func TestEdit_UpdaterError_Propagates(t *testing.T) {
	svc := NewService(security.NewDisplayNameSanitizer(), &mockPhotoGuard{}, false)
	updater := &mockUpdater{updateProfileFn: func(ctx context.Context, update model.ProfileUpdate) error {
		return model.NewUnauthenticatedError()
	}}

	err := svc.Edit(context.Background(), updater, nil, EditForm{DisplayName: "Bob"})
	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("Edit() error = %v, want Unauthenticated", err)
	}
}
