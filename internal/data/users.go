// Package data provides DB models and stores.
package data

import (
	"context" // Used for cancellation and timeouts
	"errors"  // Error handling
	"time"    // Timestamps

	"github.com/PaulBabatuyi/securechat/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"          // MongoDB document queries
	"go.mongodb.org/mongo-driver/v2/mongo"         // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options" // Find options
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when the email or username is taken.
	ErrUserExists = errors.New("user already exists")
)

// UsersStore performs user DB operations.
type UsersStore struct {
	// coll is reference to "users" collection in MongoDB
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user document. The password must already be
// hashed by auth.HashPassword().
func (u *UsersStore) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	now := time.Now().UTC()
	user := &User{
		Username:            normalize.Username(nu.Username),
		UsernameKey:         normalize.UsernameKey(nu.Username),
		Email:               normalize.Email(nu.Email),
		Password:            nu.PasswordHash,
		PublicKey:           nu.PublicKey,
		EncryptedPrivateKey: nu.EncryptedPrivateKey,
		ProfilePic:          nu.ProfilePic,
		CreatedAt:           now,
		UpdatedAt:           now, // initially same as CreatedAt
	}

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		// unique index on email or username_key
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	// MongoDB generated the _id; its hex form is the user id everywhere else
	user.ID = result.InsertedID.(bson.ObjectID)
	return user, nil
}

// GetUserByEmail finds a user by email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return u.findOne(ctx, bson.M{"email": normalize.Email(email)})
}

// GetUserByID finds a user by the hex form of its ObjectID.
func (u *UsersStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrUserNotFound // malformed ids cannot exist
	}
	return u.findOne(ctx, bson.M{"_id": oid})
}

func (u *UsersStore) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ListUsers returns every user except excludeID, ordered by username. The
// contacts sidebar is built from this list.
func (u *UsersStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	filter := bson.M{}
	if oid, err := bson.ObjectIDFromHex(excludeID); err == nil {
		filter["_id"] = bson.M{"$ne": oid}
	}

	// never ship password hashes or key blobs in the directory listing
	opts := options.Find().
		SetSort(bson.D{{Key: "username_key", Value: 1}}).
		SetProjection(bson.D{{Key: "password", Value: 0}, {Key: "encrypted_private_key", Value: 0}})

	cursor, err := u.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateProfile applies the non-nil fields of upd and returns the user.
func (u *UsersStore) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*User, error) {
	set := bson.D{{Key: "updated_at", Value: time.Now().UTC()}}
	if upd.Username != nil {
		set = append(set,
			bson.E{Key: "username", Value: normalize.Username(*upd.Username)},
			bson.E{Key: "username_key", Value: normalize.UsernameKey(*upd.Username)})
	}
	if upd.Email != nil {
		set = append(set, bson.E{Key: "email", Value: normalize.Email(*upd.Email)})
	}
	return u.update(ctx, id, set)
}

// UpdateAvatar stores the profile picture reference (an object storage URL
// or data URI produced by the upload collaborator).
func (u *UsersStore) UpdateAvatar(ctx context.Context, id, profilePic string) (*User, error) {
	return u.update(ctx, id, bson.D{
		{Key: "profile_pic", Value: profilePic},
		{Key: "updated_at", Value: time.Now().UTC()},
	})
}

func (u *UsersStore) update(ctx context.Context, id string, set bson.D) (*User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var user User
	err = u.coll.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.D{{Key: "$set", Value: set}}, opts).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return &user, nil
}

// UpdateLastSeen stamps the time the user went offline. It satisfies
// presence.LastSeenRecorder.
func (u *UsersStore) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrUserNotFound
	}
	_, err = u.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.D{{Key: "$set", Value: bson.D{{Key: "last_seen", Value: at.UTC()}}}})
	return err
}

// UserExists checks if a user exists by email.
func (u *UsersStore) UserExists(ctx context.Context, email string) (bool, error) {
	// CountDocuments is cheaper than FindOne when only existence matters
	count, err := u.coll.CountDocuments(ctx, bson.M{"email": normalize.Email(email)})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
