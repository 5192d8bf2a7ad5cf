package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, ok, err := s.Load(ctx, idA)
	if ok || err != nil {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Save(ctx, MediaAsset{ID: idB, Status: StatusPending, CreatedAt: t0.Add(time.Minute)})
	s.Save(ctx, MediaAsset{ID: idA, Status: StatusPending, CreatedAt: t0})

	got, ok, _ := s.Load(ctx, idA)
	if !ok || got.ID != idA {
		t.Errorf("Load: %+v %v", got, ok)
	}

	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].ID != idA || list[1].ID != idB {
		t.Errorf("List should be ordered by creation: %+v", list)
	}

	s.Remove(ctx, idA)
	if _, ok, _ := s.Load(ctx, idA); ok {
		t.Error("Remove did not remove")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisStore(ctx, RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	t.Run("missing", func(t *testing.T) {
		_, ok, err := s.Load(ctx, idA)
		if ok || err != nil {
			t.Errorf("expected miss, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("round_trip", func(t *testing.T) {
		in := MediaAsset{
			ID:              idA,
			Category:        CategoryPodcasts,
			Status:          StatusReady,
			PlaylistKey:     "podcasts/" + idA + "/hls/playlist.m3u8",
			DurationSeconds: 30.5,
			CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		if err := s.Save(ctx, in); err != nil {
			t.Fatalf("Save: %v", err)
		}
		out, ok, err := s.Load(ctx, idA)
		if err != nil || !ok {
			t.Fatalf("Load: %v %v", ok, err)
		}
		if out.PlaylistKey != in.PlaylistKey || out.DurationSeconds != in.DurationSeconds || !out.CreatedAt.Equal(in.CreatedAt) {
			t.Errorf("round trip mismatch: %+v", out)
		}
		if !mr.Exists(redisKeyPrefix + idA) {
			t.Error("expected record key in redis")
		}
	})

	t.Run("list_skips_vanished_records", func(t *testing.T) {
		s.Save(ctx, MediaAsset{ID: idB, Status: StatusPending})
		mr.Del(redisKeyPrefix + idB)
		defer mr.SRem(redisIndexKey, idB)

		list, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 || list[0].ID != idA {
			t.Errorf("unexpected list %+v", list)
		}
	})

	t.Run("corrupt_record", func(t *testing.T) {
		mr.Set(redisKeyPrefix+idB, "{not json")
		if _, _, err := s.Load(ctx, idB); err == nil {
			t.Error("expected decode error")
		}
		mr.Del(redisKeyPrefix + idB)
	})

	t.Run("remove", func(t *testing.T) {
		if err := s.Remove(ctx, idA); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok, _ := s.Load(ctx, idA); ok {
			t.Error("record survived Remove")
		}
		if members, _ := mr.Members(redisIndexKey); len(members) != 0 {
			t.Errorf("index not cleaned: %v", members)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		dead := miniredis.RunT(t)
		addr := dead.Addr()
		dead.Close()
		if _, err := NewRedisStore(ctx, RedisConfig{Addr: addr}); err == nil {
			t.Error("expected connection error")
		}
	})
}
