package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusfn/nimbus/internal/core"
)

func testPool(t *testing.T, services ...core.Service) *Pool {
	t.Helper()
	p := NewPool(testLogger())
	p.RegisterNamed("config", testConfig())
	for _, svc := range services {
		p.Publish(svc)
	}
	return p
}

func TestPoolPrepareReplaysRegistrations(t *testing.T) {
	p := testPool(t, itemsService())

	inst, err := p.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, inst.State())
	assert.Equal(t, 1, p.Size())
	assert.Same(t, inst, p.Head())

	// Preparing again reuses the Ready instance.
	again, err := p.Prepare(context.Background())
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, 1, p.Size())
}

func TestPoolPublishedServices(t *testing.T) {
	p := testPool(t, itemsService(), csvImportService())

	published := p.PublishedServices()
	require.Len(t, published, 2)
	assert.Equal(t, "items", published[0].Name)
	assert.Equal(t, "importer", published[1].Name)
}

func TestPoolSequentialRequestsReuseInstance(t *testing.T) {
	p := testPool(t, itemsService())

	for i := 0; i < 5; i++ {
		resp, err := p.HTTPRequest(context.Background(), getItemRequest("1"))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}
	assert.Equal(t, 1, p.Size())
}

func TestPoolGrowsWhileInstanceBusy(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})

	slow := &testService{meta: core.NewService("slow").
		Method("wait", func(rc *core.Context, req core.Request) (interface{}, error) {
			close(entered)
			<-proceed
			return "done", nil
		}).
		Roles(core.Roles{Public: true}).
		Get("/slow").
		MustBuild()}
	p := testPool(t, slow, itemsService())

	_, err := p.Prepare(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := &core.HTTPRequest{HTTPMethod: "GET", Resource: "/slow"}
		_, err := p.HTTPRequest(context.Background(), req)
		assert.NoError(t, err)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler never started")
	}

	// The only instance is busy; this request must get a fresh one.
	resp, err := p.HTTPRequest(context.Background(), getItemRequest("7"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 2, p.Size())

	close(proceed)
	wg.Wait()
}

func TestPoolDisposeTrimsToHead(t *testing.T) {
	p := testPool(t, itemsService())

	head, err := p.Prepare(context.Background())
	require.NoError(t, err)

	// Force a second instance into existence.
	require.True(t, head.tryReserve())
	_, err = p.Prepare(context.Background())
	require.NoError(t, err)
	head.toReady()
	require.Equal(t, 2, p.Size())

	p.Dispose()
	assert.Equal(t, 1, p.Size())
	assert.Same(t, head, p.Head())
}

func TestPoolConcurrentDispatch(t *testing.T) {
	p := testPool(t, itemsService())

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				resp, err := p.HTTPRequest(context.Background(), getItemRequest("9"))
				if assert.NoError(t, err) {
					assert.Equal(t, 200, resp.StatusCode)
				}
			}
		}()
	}
	wg.Wait()

	// Every instance the pool grew to must be back to Ready.
	for _, inst := range p.instances {
		assert.Equal(t, StateReady, inst.State())
	}
	assert.LessOrEqual(t, p.Size(), workers)
}
