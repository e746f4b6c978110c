package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"velostream/internal/media"
)

var testRTPCapabilities = json.RawMessage(`{"codecs":[{"kind":"video"}]}`)

func setupStreamingRoom(t *testing.T, f *fixture) (RoomInfo, ProducerInfo) {
	t.Helper()
	info := f.createRoom(t, "admin-1", "stream room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	if _, err := f.orch.CreateTransport(context.Background(), "admin-1", media.DirectionSend); err != nil {
		t.Fatalf("create send transport: %v", err)
	}
	if err := f.orch.ConnectTransport(context.Background(), "admin-1", media.DirectionSend, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("connect send transport: %v", err)
	}
	producer, err := f.orch.Produce(context.Background(), "admin-1", media.ProduceParams{
		Kind:          media.KindVideo,
		RTPParameters: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	return info, producer
}

func joinViewerWithTransport(t *testing.T, f *fixture, connID, addr, roomID string) {
	t.Helper()
	f.join(t, connID, addr, roomID, "")
	if _, err := f.orch.CreateTransport(context.Background(), connID, media.DirectionRecv); err != nil {
		t.Fatalf("create recv transport for %s: %v", connID, err)
	}
	if err := f.orch.ConnectTransport(context.Background(), connID, media.DirectionRecv, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("connect recv transport for %s: %v", connID, err)
	}
}

func TestSendTransportRestrictedToAdmin(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "transport room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")

	if _, err := f.orch.CreateTransport(context.Background(), "viewer-1", media.DirectionSend); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err := f.orch.CreateTransport(context.Background(), "viewer-1", media.DirectionRecv); err != nil {
		t.Fatalf("expected viewer recv transport to succeed, got %v", err)
	}
}

func TestCreateTransportRequiresMembership(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	f.createRoom(t, "admin-1", "transport room", "", 0)

	if _, err := f.orch.CreateTransport(context.Background(), "stranger", media.DirectionRecv); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
}

func TestProduceRequiresAdminAndTransport(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "produce room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")

	params := media.ProduceParams{Kind: media.KindVideo, RTPParameters: json.RawMessage(`{}`)}

	if _, err := f.orch.Produce(context.Background(), "viewer-1", params); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err := f.orch.Produce(context.Background(), "admin-1", params); !errors.Is(err, ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound before transport setup, got %v", err)
	}
}

func TestVideoProducerStartsStream(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, _ := setupStreamingRoom(t, f)

	row, _ := f.store.GetRoom(info.ID)
	if !row.IsStreaming {
		t.Fatal("expected streaming flag persisted")
	}
	if !f.events.contains("stream-started " + info.ID) {
		t.Fatal("expected stream-started event")
	}
	if !f.events.contains("new-producer "+info.ID+" video") {
		t.Fatal("expected new-producer event")
	}

	summaries := f.orch.ListRooms()
	if len(summaries) != 1 || !summaries[0].IsStreaming {
		t.Fatal("expected lobby listing to show streaming")
	}
}

func TestAudioProducerDoesNotStartStream(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "audio room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	if _, err := f.orch.CreateTransport(context.Background(), "admin-1", media.DirectionSend); err != nil {
		t.Fatalf("create transport: %v", err)
	}

	if _, err := f.orch.Produce(context.Background(), "admin-1", media.ProduceParams{
		Kind:          media.KindAudio,
		RTPParameters: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("produce audio: %v", err)
	}

	row, _ := f.store.GetRoom(info.ID)
	if row.IsStreaming {
		t.Fatal("expected audio-only room to stay not streaming")
	}
}

func TestConsumeAndResume(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

	result, err := f.orch.Consume(context.Background(), "viewer-1", producer.ID, testRTPCapabilities)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.ProducerID != producer.ID {
		t.Fatalf("expected consumer bound to producer %s, got %s", producer.ID, result.ProducerID)
	}
	if len(result.RTPParameters) == 0 {
		t.Fatal("expected rtp parameters in consume result")
	}

	if err := f.orch.ResumeConsumer(context.Background(), "viewer-1", result.ConsumerID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Consumers belong to their connection.
	if err := f.orch.ResumeConsumer(context.Background(), "admin-1", result.ConsumerID); !errors.Is(err, ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound for wrong connection, got %v", err)
	}
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, _ := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

	if _, err := f.orch.Consume(context.Background(), "viewer-1", "missing", testRTPCapabilities); !errors.Is(err, ErrProducerNotFound) {
		t.Fatalf("expected ErrProducerNotFound, got %v", err)
	}
}

func TestConsumeRejectedWhenRouterCannotRoute(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

	// The stub router refuses empty capability blobs.
	if _, err := f.orch.Consume(context.Background(), "viewer-1", producer.ID, nil); !errors.Is(err, ErrCannotConsume) {
		t.Fatalf("expected ErrCannotConsume, got %v", err)
	}
}

func TestResumeFailureDropsConsumer(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

	result, err := f.orch.Consume(context.Background(), "viewer-1", producer.ID, testRTPCapabilities)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.orch.ResumeConsumer(cancelled, "viewer-1", result.ConsumerID); err == nil {
		t.Fatal("expected resume with cancelled context to fail")
	}

	// The stale entry is gone; a second resume cannot find it.
	if err := f.orch.ResumeConsumer(context.Background(), "viewer-1", result.ConsumerID); !errors.Is(err, ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound after cleanup, got %v", err)
	}
}

func TestCloseProducerPausesStream(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, producer := setupStreamingRoom(t, f)

	if err := f.orch.CloseProducer("admin-1", producer.ID); err != nil {
		t.Fatalf("close producer: %v", err)
	}

	row, _ := f.store.GetRoom(info.ID)
	if row.IsStreaming {
		t.Fatal("expected streaming flag cleared")
	}
	if !f.events.contains("stream-paused " + info.ID) {
		t.Fatal("expected stream-paused event")
	}
	if !f.events.contains("producer-closed "+info.ID+" "+producer.ID) {
		t.Fatal("expected producer-closed event")
	}

	producers, err := f.orch.Producers("admin-1")
	if err != nil {
		t.Fatalf("producers: %v", err)
	}
	if len(producers) != 0 {
		t.Fatalf("expected no producers left, got %d", len(producers))
	}
}

func TestAdminLeaveClosesProducersAndPausesStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)
	info, _ := setupStreamingRoom(t, f)
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")

	f.orch.Leave("admin-1")

	if !f.events.contains("stream-paused " + info.ID) {
		t.Fatal("expected stream paused when the admin left")
	}
	row, _ := f.store.GetRoom(info.ID)
	if row.IsStreaming {
		t.Fatal("expected streaming flag cleared on admin departure")
	}
}

func TestBridgePlacementBeyondThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BridgeThreshold = 2
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)

	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

	// Member 3 exceeds the threshold of 2; the primary worker carries the
	// producer so the other worker is least loaded and gets a bridge.
	joinViewerWithTransport(t, f, "viewer-2", "10.0.0.3", info.ID)

	stats := f.pool.Stats()
	other := 1 - info.WorkerIndex
	if stats[other].Rooms != 1 {
		t.Fatalf("expected bridged router on worker %d, got stats %+v", other, stats)
	}

	// The bridged viewer can still consume through the pipe.
	result, err := f.orch.Consume(context.Background(), "viewer-2", producer.ID, testRTPCapabilities)
	if err != nil {
		t.Fatalf("consume over bridge: %v", err)
	}
	if err := f.orch.ResumeConsumer(context.Background(), "viewer-2", result.ConsumerID); err != nil {
		t.Fatalf("resume over bridge: %v", err)
	}
	if stats := f.pool.Stats(); stats[other].Consumers != 1 {
		t.Fatalf("expected consumer load on bridged worker, got %+v", stats)
	}

	// A fourth member reuses the existing bridge rather than repiping.
	f.pool.AddProducer(info.WorkerIndex)
	joinViewerWithTransport(t, f, "viewer-3", "10.0.0.4", info.ID)
	if stats := f.pool.Stats(); stats[other].Rooms != 1 {
		t.Fatalf("expected single bridged router after reuse, got %+v", stats)
	}
}

func TestRoutersLostOnPrimaryWorkerClosesRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)
	info, _ := setupStreamingRoom(t, f)

	f.orch.RoutersLost(info.WorkerIndex, []string{info.ID})

	if f.orch.RoomCount() != 0 {
		t.Fatal("expected room closed when its primary worker died")
	}
	if !f.events.contains("room-closed " + info.ID + " media worker lost") {
		t.Fatal("expected worker-lost close event")
	}
	if _, ok := f.store.GetRoom(info.ID); ok {
		t.Fatal("expected room removed from directory")
	}
}

func TestRoutersLostOnBridgedWorkerKeepsRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BridgeThreshold = 2
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)

	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)
	joinViewerWithTransport(t, f, "viewer-2", "10.0.0.3", info.ID)

	result, err := f.orch.Consume(context.Background(), "viewer-2", producer.ID, testRTPCapabilities)
	if err != nil {
		t.Fatalf("consume over bridge: %v", err)
	}

	other := 1 - info.WorkerIndex
	f.orch.RoutersLost(other, []string{info.ID})

	if f.orch.RoomCount() != 1 {
		t.Fatal("expected room to survive a bridged worker death")
	}
	if err := f.orch.ResumeConsumer(context.Background(), "viewer-2", result.ConsumerID); !errors.Is(err, ErrConsumerNotFound) {
		t.Fatalf("expected bridged consumers dropped, got %v", err)
	}
	// Members stay in the room even though their consumers died.
	if got := f.orch.MemberCount(info.ID); got != 3 {
		t.Fatalf("expected 3 members, got %d", got)
	}
}

func TestRoomCloseReleasesWorkerLoad(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info, producer := setupStreamingRoom(t, f)
	joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)
	if _, err := f.orch.Consume(context.Background(), "viewer-1", producer.ID, testRTPCapabilities); err != nil {
		t.Fatalf("consume: %v", err)
	}

	f.orch.CloseRoom(info.ID, "test")

	for _, ws := range f.pool.Stats() {
		if ws.Producers != 0 || ws.Consumers != 0 || ws.Rooms != 0 {
			t.Fatalf("expected all load released, got %+v", ws)
		}
	}
}

func TestConcurrentConsumeAndCloseLeavesNoLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)

	// A consume racing the close must never leave a worker counter behind:
	// either the consumer lands and the close drops it, or the close wins
	// and the consume rolls back.
	for i := 0; i < 25; i++ {
		info, producer := setupStreamingRoom(t, f)
		joinViewerWithTransport(t, f, "viewer-1", "10.0.0.2", info.ID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Consume(context.Background(), "viewer-1", producer.ID, testRTPCapabilities)
		}()
		go func() {
			defer wg.Done()
			f.orch.CloseRoom(info.ID, "test")
		}()
		wg.Wait()

		for _, ws := range f.pool.Stats() {
			if ws.Producers != 0 || ws.Consumers != 0 || ws.Rooms != 0 {
				t.Fatalf("round %d: residual load after close: %+v", i, ws)
			}
		}
	}
}

func TestManyViewersHitCapacityExactly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminGrace = time.Minute
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)

	info := f.createRoom(t, "admin-1", "exact room", "", 4)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.3.1", info.ID, "")
	f.join(t, "viewer-2", "10.0.3.2", info.ID, "")
	f.join(t, "viewer-3", "10.0.3.3", info.ID, "")

	if _, err := f.orch.Join(context.Background(), "viewer-4", "10.0.3.4", info.ID, ""); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected exact capacity enforcement, got %v", err)
	}
}
