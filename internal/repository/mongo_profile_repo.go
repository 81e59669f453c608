package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/coursehistory/internal/model"
)

// ProfilesCollection はプロフィールドキュメントを格納するコレクション名。
const ProfilesCollection = "users"

// MongoProfileRepo はMongoDBを使用したプロフィールリポジトリ。
// ドキュメントの_idはuidと一致する。
type MongoProfileRepo struct {
	coll *mongo.Collection
}

// NewMongoProfileRepo はMongoProfileRepoを生成する。
func NewMongoProfileRepo(db *mongo.Database) *MongoProfileRepo {
	return &MongoProfileRepo{coll: db.Collection(ProfilesCollection)}
}

// FindByUID は指定uidのプロフィールを取得する。見つからない場合はnilを返す。
func (r *MongoProfileRepo) FindByUID(ctx context.Context, uid string) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := r.coll.FindOne(ctx, bson.M{"_id": uid}).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile.UID == "" {
		profile.UID = uid
	}
	return &profile, nil
}

// Merge は指定されたフィールドだけを$setで書き込む。
// ドキュメントがなければuid付きで作成する（upsert）。
func (r *MongoProfileRepo) Merge(ctx context.Context, uid string, update model.ProfileUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": uid},
		bson.M{
			"$set":         bson.M(update.Fields()),
			"$setOnInsert": bson.M{"uid": uid},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to merge profile: %w", err)
	}
	return nil
}

// UpdateExisting はドキュメントが存在する場合のみ指定フィールドを書き込む。
func (r *MongoProfileRepo) UpdateExisting(ctx context.Context, uid string, update model.ProfileUpdate) (bool, error) {
	if update.IsEmpty() {
		return false, nil
	}

	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": uid},
		bson.M{"$set": bson.M(update.Fields())},
	)
	if err != nil {
		return false, fmt.Errorf("failed to update profile: %w", err)
	}
	return result.MatchedCount > 0, nil
}

// Delete は指定uidのプロフィールを削除する。
func (r *MongoProfileRepo) Delete(ctx context.Context, uid string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": uid}); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*MongoProfileRepo)(nil)
