package data

import (
	"time"

	"github.com/PaulBabatuyi/securechat/internal/relay"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to users collection. The server stores the public key in the
// clear and the private key only as the password-protected blob.
type User struct {
	ID                  bson.ObjectID `bson:"_id,omitempty"`
	Username            string        `bson:"username"`
	UsernameKey         string        `bson:"username_key"` // lowercased, unique
	Email               string        `bson:"email"`
	Password            string        `bson:"password"` // bcrypt hash
	PublicKey           []byte        `bson:"public_key"`
	EncryptedPrivateKey []byte        `bson:"encrypted_private_key"`
	ProfilePic          string        `bson:"profile_pic,omitempty"`
	LastSeen            time.Time     `bson:"last_seen,omitempty"`
	CreatedAt           time.Time     `bson:"created_at"`
	UpdatedAt           time.Time     `bson:"updated_at"`
}

// NewUser carries the fields supplied at registration.
type NewUser struct {
	Username            string
	Email               string
	PasswordHash        string
	PublicKey           []byte
	EncryptedPrivateKey []byte
	ProfilePic          string
}

// ProfileUpdate lists the fields a user may change; nil means unchanged.
type ProfileUpdate struct {
	Username *string
	Email    *string
}

// messageDoc maps to the transit messages collection.
type messageDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	Sender      string        `bson:"sender"`
	Receiver    string        `bson:"receiver"`
	EncSender   []byte        `bson:"enc_sender"`
	EncReceiver []byte        `bson:"enc_receiver"`
	Status      string        `bson:"status"`
	CreatedAt   time.Time     `bson:"created_at"`
}

// receiptDoc maps to the receipts collection (TTL on updated_at).
type receiptDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	Sender    string        `bson:"sender"`
	Receiver  string        `bson:"receiver"`
	Status    string        `bson:"status"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

func (d *messageDoc) toMessage() (*relay.Message, error) {
	st, err := relay.ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	return &relay.Message{
		ID:          d.ID.Hex(),
		SenderID:    d.Sender,
		ReceiverID:  d.Receiver,
		EncSender:   d.EncSender,
		EncReceiver: d.EncReceiver,
		Status:      st,
		CreatedAt:   d.CreatedAt,
	}, nil
}

func (d *receiptDoc) toReceipt() (relay.Receipt, error) {
	st, err := relay.ParseStatus(d.Status)
	if err != nil {
		return relay.Receipt{}, err
	}
	return relay.Receipt{
		MessageID:  d.ID.Hex(),
		SenderID:   d.Sender,
		ReceiverID: d.Receiver,
		Status:     st,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}
