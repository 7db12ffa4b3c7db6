package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

func testChannel(id string) *model.Channel {
	return &model.Channel{
		ID:       id,
		Name:     "room",
		Num:      1,
		Limit:    4,
		EntryFee: decimal.NewFromInt(10),
		HostID:   1,
		HostName: "host",
		State:    model.StateOpen,
		Members: map[int64]*model.User{
			1: model.NewUser(1, "host", decimal.NewFromInt(100)),
		},
	}
}

// storeUnderTest runs the ChannelStore contract against any implementation.
func storeUnderTest(t *testing.T, st ChannelStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		if _, err := st.Get(ctx, "nope"); !errors.Is(err, ErrChannelNotFound) {
			t.Fatalf("err = %v, want ErrChannelNotFound", err)
		}
	})

	t.Run("create and get", func(t *testing.T) {
		ch := testChannel("a")
		if err := st.Create(ctx, ch); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := st.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "room" || len(got.Members) != 1 {
			t.Errorf("got %+v", got)
		}
		if !got.Members[1].SeedMoney.Equal(decimal.NewFromInt(100)) {
			t.Errorf("seed = %s, want 100", got.Members[1].SeedMoney)
		}
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		if err := st.Create(ctx, testChannel("a")); err == nil {
			t.Fatal("duplicate create succeeded")
		}
	})

	t.Run("update replaces", func(t *testing.T) {
		ch, _ := st.Get(ctx, "a")
		ch.State = model.StateRunning
		ch.Members[2] = model.NewUser(2, "u2", decimal.NewFromInt(50))
		if err := st.Update(ctx, ch); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, _ := st.Get(ctx, "a")
		if got.State != model.StateRunning || len(got.Members) != 2 {
			t.Errorf("state = %s members = %d, want RUNNING and 2", got.State, len(got.Members))
		}
	})

	t.Run("update missing fails", func(t *testing.T) {
		if err := st.Update(ctx, testChannel("ghost")); !errors.Is(err, ErrChannelNotFound) {
			t.Fatalf("err = %v, want ErrChannelNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		if err := st.Create(ctx, testChannel("b")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		channels, err := st.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(channels) != 2 {
			t.Errorf("listed %d channels, want 2", len(channels))
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := st.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := st.Get(ctx, "a"); !errors.Is(err, ErrChannelNotFound) {
			t.Fatalf("Get after delete = %v, want ErrChannelNotFound", err)
		}
		// Absent ids delete cleanly.
		if err := st.Delete(ctx, "a"); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	if err := st.Create(ctx, testChannel("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := st.Get(ctx, "a")
	got.Members[1].SeedMoney = decimal.Zero
	delete(got.Members, 1)

	again, _ := st.Get(ctx, "a")
	if len(again.Members) != 1 {
		t.Fatal("mutating a returned channel leaked into the store")
	}
	if !again.Members[1].SeedMoney.Equal(decimal.NewFromInt(100)) {
		t.Errorf("seed = %s after external mutation, want 100", again.Members[1].SeedMoney)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	storeUnderTest(t, NewRedisStore(rdb))
}
