package mongostore

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Tyrowin/chatecho/internal/store"
)

func TestObjectIDRejectsMalformed(t *testing.T) {
	if _, err := objectID("not-hex"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("objectID(not-hex) error = %v, want ErrNotFound", err)
	}
	id := primitive.NewObjectID()
	got, err := objectID(id.Hex())
	if err != nil || got != id {
		t.Errorf("objectID(%s) = %v, %v", id.Hex(), got, err)
	}
}

func TestObjectIDsDropsMalformed(t *testing.T) {
	a, b := primitive.NewObjectID(), primitive.NewObjectID()
	got := objectIDs([]string{a.Hex(), "bad", b.Hex()})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("objectIDs() = %v", got)
	}
}

func TestNotFoundMapping(t *testing.T) {
	if err := notFound(mongo.ErrNoDocuments); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("notFound(ErrNoDocuments) = %v", err)
	}
	other := errors.New("boom")
	if err := notFound(other); !errors.Is(err, other) {
		t.Errorf("notFound(other) = %v", err)
	}
}

func TestChannelDocRoundTrip(t *testing.T) {
	u1, u2 := primitive.NewObjectID(), primitive.NewObjectID()
	doc := channelDoc{
		ID:        primitive.NewObjectID(),
		UserIDs:   []primitive.ObjectID{u1, u2},
		Type:      "direct",
		SeenBy:    []primitive.ObjectID{u2},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var decoded channelDoc
	if err := bson.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	c := decoded.model()
	if c.ID != doc.ID.Hex() || !c.HasMember(u1.Hex()) || !c.SeenByUser(u2.Hex()) {
		t.Errorf("model() = %+v", c)
	}
	if c.Type != store.ChannelDirect {
		t.Errorf("Type = %q", c.Type)
	}
}
