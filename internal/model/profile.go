package model

import "time"

// UserProfile はidentityごとに1件だけ存在するプロフィールドキュメント。
// サインアップまたは初回のフェデレーションサインインで作成され、削除されない。
type UserProfile struct {
	UID         string    `bson:"uid" json:"uid"`
	Email       string    `bson:"email" json:"email"`
	DisplayName string    `bson:"displayName" json:"displayName"`
	PhotoURL    string    `bson:"photoURL,omitempty" json:"photoURL,omitempty"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
	LastLogin   time.Time `bson:"lastLogin" json:"lastLogin"`
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは変更しない（マージセマンティクス）。
type ProfileUpdate struct {
	Email       *string
	DisplayName *string
	PhotoURL    *string
	CreatedAt   *time.Time
	LastLogin   *time.Time
}

// IsEmpty は変更対象のフィールドが1つもない場合にtrueを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.Email == nil && u.DisplayName == nil && u.PhotoURL == nil &&
		u.CreatedAt == nil && u.LastLogin == nil
}

// Fields は変更対象のフィールドをドキュメントのキー名で返す。
func (u ProfileUpdate) Fields() map[string]any {
	fields := make(map[string]any)
	if u.Email != nil {
		fields["email"] = *u.Email
	}
	if u.DisplayName != nil {
		fields["displayName"] = *u.DisplayName
	}
	if u.PhotoURL != nil {
		fields["photoURL"] = *u.PhotoURL
	}
	if u.CreatedAt != nil {
		fields["createdAt"] = u.CreatedAt.UTC()
	}
	if u.LastLogin != nil {
		fields["lastLogin"] = u.LastLogin.UTC()
	}
	return fields
}

// Apply はプロフィールのコピーに部分更新を適用して返す。
// 元のプロフィールは変更しない。
func (p UserProfile) Apply(u ProfileUpdate) UserProfile {
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.PhotoURL != nil {
		p.PhotoURL = *u.PhotoURL
	}
	if u.CreatedAt != nil {
		p.CreatedAt = *u.CreatedAt
	}
	if u.LastLogin != nil {
		p.LastLogin = *u.LastLogin
	}
	return p
}

// NewProfile は新規作成時のプロフィールを生成する。
// createdAtとlastLoginには同じ時刻を設定する。
func NewProfile(uid, email, displayName, photoURL string, now time.Time) UserProfile {
	return UserProfile{
		UID:         uid,
		Email:       email,
		DisplayName: displayName,
		PhotoURL:    photoURL,
		CreatedAt:   now,
		LastLogin:   now,
	}
}

// CreateUpdate はプロフィール全体を書き込むための部分更新に変換する。
func (p UserProfile) CreateUpdate() ProfileUpdate {
	return ProfileUpdate{
		Email:       &p.Email,
		DisplayName: &p.DisplayName,
		PhotoURL:    &p.PhotoURL,
		CreatedAt:   &p.CreatedAt,
		LastLogin:   &p.LastLogin,
	}
}

// StringPtr は文字列のポインタを返す。部分更新の組み立て用。
func StringPtr(s string) *string {
	return &s
}

// TimePtr は時刻のポインタを返す。部分更新の組み立て用。
func TimePtr(t time.Time) *time.Time {
	return &t
}
