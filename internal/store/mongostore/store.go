// Package mongostore is the MongoDB store backend. It reads and writes the
// users, channels and messages collections with ObjectID keys; identifiers
// cross the store boundary as hex strings.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/chatecho/internal/store"
)

// Collection names.
const (
	usersCollection    = "users"
	channelsCollection = "channels"
	messagesCollection = "messages"
)

// Store implements store.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, pings the server and selects database.
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users.email index: %w", err)
	}
	_, err = s.db.Collection(channelsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userIds", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create channels.userIds index: %w", err)
	}
	_, err = s.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channelId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create messages.channelId index: %w", err)
	}
	return nil
}

// Users implements store.Store.
func (s *Store) Users() store.Users { return &users{col: s.db.Collection(usersCollection)} }

// Channels implements store.Store.
func (s *Store) Channels() store.Channels {
	return &channels{col: s.db.Collection(channelsCollection)}
}

// Messages implements store.Store.
func (s *Store) Messages() store.Messages {
	return &messages{col: s.db.Collection(messagesCollection)}
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func objectID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, store.ErrNotFound
	}
	return id, nil
}

// objectIDs converts ids, dropping the malformed ones.
func objectIDs(hexes []string) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(hexes))
	for _, h := range hexes {
		if id, err := primitive.ObjectIDFromHex(h); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func hexes(ids []primitive.ObjectID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Email     string             `bson:"email"`
	FirstName string             `bson:"firstName"`
	LastName  string             `bson:"lastName"`
	AvatarID  string             `bson:"avatarId,omitempty"`
	CoverID   string             `bson:"coverId,omitempty"`
	InCall    bool               `bson:"inCall"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

func (d *userDoc) model() store.User {
	return store.User{
		ID:        d.ID.Hex(),
		Email:     d.Email,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		AvatarID:  d.AvatarID,
		CoverID:   d.CoverID,
		InCall:    d.InCall,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type users struct {
	col *mongo.Collection
}

func (r *users) findOne(ctx context.Context, filter bson.M) (*store.User, error) {
	var doc userDoc
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	u := doc.model()
	return &u, nil
}

func (r *users) FindByID(ctx context.Context, id string) (*store.User, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *users) find(ctx context.Context, filter bson.M) ([]store.User, error) {
	cursor, err := r.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	out := make([]store.User, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

func (r *users) FindByIDs(ctx context.Context, ids []string) ([]store.User, error) {
	return r.find(ctx, bson.M{"_id": bson.M{"$in": objectIDs(ids)}})
}

func (r *users) List(ctx context.Context) ([]store.User, error) {
	return r.find(ctx, bson.M{})
}

func (r *users) Create(ctx context.Context, u *store.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	doc := userDoc{
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		AvatarID:  u.AvatarID,
		CoverID:   u.CoverID,
		InCall:    u.InCall,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	if u.ID != "" {
		oid, err := primitive.ObjectIDFromHex(u.ID)
		if err != nil {
			return fmt.Errorf("user id %q is not an ObjectID: %w", u.ID, err)
		}
		doc.ID = oid
	} else {
		doc.ID = primitive.NewObjectID()
	}

	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID = doc.ID.Hex()
	return nil
}

func (r *users) SetInCall(ctx context.Context, ids []string, inCall bool) error {
	_, err := r.col.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": objectIDs(ids)}},
		bson.M{"$set": bson.M{"inCall": inCall, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update users inCall: %w", err)
	}
	return nil
}

type channelDoc struct {
	ID        primitive.ObjectID   `bson:"_id,omitempty"`
	UserIDs   []primitive.ObjectID `bson:"userIds"`
	Type      string               `bson:"type"`
	Name      string               `bson:"name"`
	AvatarID  string               `bson:"avatarId,omitempty"`
	SeenBy    []primitive.ObjectID `bson:"seenBy"`
	OnCall    bool                 `bson:"onCall"`
	CreatedAt time.Time            `bson:"createdAt"`
	UpdatedAt time.Time            `bson:"updatedAt"`
}

func (d *channelDoc) model() store.Channel {
	return store.Channel{
		ID:        d.ID.Hex(),
		UserIDs:   hexes(d.UserIDs),
		Type:      store.ChannelType(d.Type),
		Name:      d.Name,
		AvatarID:  d.AvatarID,
		SeenBy:    hexes(d.SeenBy),
		OnCall:    d.OnCall,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type channels struct {
	col *mongo.Collection
}

func (r *channels) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*store.Channel, error) {
	var doc channelDoc
	if err := r.col.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	c := doc.model()
	return &c, nil
}

func (r *channels) FindByID(ctx context.Context, id string) (*store.Channel, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *channels) FindByMembers(ctx context.Context, userIDs []string) (*store.Channel, error) {
	oids := objectIDs(userIDs)
	if len(oids) == 0 || len(oids) != len(userIDs) {
		return nil, store.ErrNotFound
	}
	return r.findOne(ctx,
		bson.M{"userIds": bson.M{"$all": oids}},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	)
}

func (r *channels) FindByMember(ctx context.Context, userID string) ([]store.Channel, error) {
	oid, err := objectID(userID)
	if err != nil {
		return []store.Channel{}, nil
	}
	cursor, err := r.col.Find(ctx, bson.M{"userIds": oid}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find channels: %w", err)
	}
	var docs []channelDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	out := make([]store.Channel, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

func (r *channels) Create(ctx context.Context, c *store.Channel) error {
	if c.Type == "" {
		c.Type = store.ChannelTypeFor(len(c.UserIDs))
	}
	if c.SeenBy == nil {
		c.SeenBy = []string{}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	doc := channelDoc{
		ID:        primitive.NewObjectID(),
		UserIDs:   objectIDs(c.UserIDs),
		Type:      string(c.Type),
		Name:      c.Name,
		AvatarID:  c.AvatarID,
		SeenBy:    objectIDs(c.SeenBy),
		OnCall:    c.OnCall,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if len(doc.UserIDs) != len(c.UserIDs) {
		return fmt.Errorf("channel members must be ObjectIDs: %v", c.UserIDs)
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	c.ID = doc.ID.Hex()
	return nil
}

func (r *channels) set(ctx context.Context, id string, fields bson.M) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	fields["updatedAt"] = time.Now().UTC()
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *channels) ResetSeenBy(ctx context.Context, id, userID string) error {
	return r.set(ctx, id, bson.M{"seenBy": objectIDs([]string{userID})})
}

func (r *channels) SetOnCall(ctx context.Context, id string, onCall bool) error {
	return r.set(ctx, id, bson.M{"onCall": onCall})
}

type messageDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	SenderID     primitive.ObjectID `bson:"senderId"`
	ChannelID    primitive.ObjectID `bson:"channelId"`
	Content      string             `bson:"content"`
	AttachmentID string             `bson:"attachmentId,omitempty"`
	StickerID    string             `bson:"stickerId,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

func (d *messageDoc) model() store.Message {
	return store.Message{
		ID:           d.ID.Hex(),
		SenderID:     d.SenderID.Hex(),
		ChannelID:    d.ChannelID.Hex(),
		Content:      d.Content,
		AttachmentID: d.AttachmentID,
		StickerID:    d.StickerID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type messages struct {
	col *mongo.Collection
}

// newest first, ties broken by insertion order
var latestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}

func (r *messages) Create(ctx context.Context, m *store.Message) error {
	sender, err := primitive.ObjectIDFromHex(m.SenderID)
	if err != nil {
		return fmt.Errorf("sender id %q is not an ObjectID: %w", m.SenderID, err)
	}
	channel, err := primitive.ObjectIDFromHex(m.ChannelID)
	if err != nil {
		return fmt.Errorf("channel id %q is not an ObjectID: %w", m.ChannelID, err)
	}

	now := time.Now().UTC()
	doc := messageDoc{
		ID:           primitive.NewObjectID(),
		SenderID:     sender,
		ChannelID:    channel,
		Content:      m.Content,
		AttachmentID: m.AttachmentID,
		StickerID:    m.StickerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID = doc.ID.Hex()
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (r *messages) Latest(ctx context.Context, channelID string) (*store.Message, error) {
	oid, err := objectID(channelID)
	if err != nil {
		return nil, err
	}
	var doc messageDoc
	err = r.col.FindOne(ctx, bson.M{"channelId": oid}, options.FindOne().SetSort(latestFirst)).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	m := doc.model()
	return &m, nil
}

func (r *messages) ListByChannel(ctx context.Context, channelID string) ([]store.Message, error) {
	oid, err := objectID(channelID)
	if err != nil {
		return []store.Message{}, nil
	}
	cursor, err := r.col.Find(ctx, bson.M{"channelId": oid},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]store.Message, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}
