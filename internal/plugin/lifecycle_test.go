package plugin_test

import (
	"context"
	"strconv"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/storage"
)

// counter counts the joins it sees and exposes them through a command
type counter struct {
	name string

	mu    sync.Mutex
	joins int
	down  bool
}

func (c *counter) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    c.name,
		Version: "0.2.0",
		Events:  []event.Kind{event.KindJoin},
		Commands: []plugin.CommandSpec{{
			Name:    c.name + "-count",
			Handler: c.count,
		}},
	}
}

func (c *counter) Init(context.Context, *plugin.Context) error { return nil }

func (c *counter) Teardown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = true
	return nil
}

func (c *counter) HandleEvent(ctx context.Context, _ *plugin.Context, ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins++
	return nil
}

func (c *counter) count(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	c.mu.Lock()
	n := c.joins
	c.mu.Unlock()
	inv.Args = strconv.Itoa(n)
	return nil
}

func (c *counter) seen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

var _ = Describe("Registry", func() {
	var (
		ctx context.Context
		reg *plugin.Registry
		bus *event.Bus
	)

	join := func() int {
		return bus.Deliver(ctx, event.Event{Kind: event.KindJoin, Nick: "bob", Channel: "#dunamis"})
	}

	BeforeEach(func() {
		ctx = context.Background()
		reg = plugin.NewRegistry(plugin.Context{Store: storage.NewMemoryStore()})
		bus = event.NewBus(reg)
	})

	Describe("hot reload", func() {
		It("stops delivery to an unloaded plugin and resumes after reload", func() {
			first := &counter{name: "greeter"}
			Expect(reg.Load(ctx, first)).To(Succeed())
			Expect(join()).To(Equal(0))
			Expect(first.seen()).To(Equal(1))

			Expect(reg.Unload(ctx, "greeter")).To(Succeed())
			Expect(first.down).To(BeTrue())
			join()
			Expect(first.seen()).To(Equal(1))

			second := &counter{name: "greeter"}
			Expect(reg.Load(ctx, second)).To(Succeed())
			join()
			Expect(first.seen()).To(Equal(1))
			Expect(second.seen()).To(Equal(1))
		})

		It("bumps the generation on every change", func() {
			Expect(reg.Generation()).To(BeZero())
			Expect(reg.Load(ctx, &counter{name: "a"})).To(Succeed())
			Expect(reg.Load(ctx, &counter{name: "b"})).To(Succeed())
			Expect(reg.Unload(ctx, "a")).To(Succeed())
			Expect(reg.Generation()).To(Equal(uint64(3)))

			list := reg.List()
			Expect(list).To(HaveLen(1))
			Expect(list[0].Name).To(Equal("b"))
			Expect(list[0].Generation).To(Equal(uint64(2)))
		})
	})

	Describe("commands", func() {
		It("routes to the owning plugin until it is unloaded", func() {
			c := &counter{name: "stats"}
			Expect(reg.Load(ctx, c)).To(Succeed())
			join()
			join()

			cmd, ok := reg.Lookup("Stats-Count")
			Expect(ok).To(BeTrue())
			inv := &plugin.Invocation{}
			Expect(cmd.Invoke(ctx, inv)).To(Succeed())
			Expect(inv.Args).To(Equal("2"))

			Expect(reg.Unload(ctx, "stats")).To(Succeed())
			_, ok = reg.Lookup("stats-count")
			Expect(ok).To(BeFalse())

			// a command resolved before the unload no longer reaches the plugin
			stale := &plugin.Invocation{}
			Expect(cmd.Invoke(ctx, stale)).To(Succeed())
			Expect(stale.Args).To(BeEmpty())
		})
	})

	Describe("concurrent dispatch", func() {
		It("delivers every event while plugins come and go", func() {
			steady := &counter{name: "steady"}
			Expect(reg.Load(ctx, steady)).To(Succeed())

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < 20; i++ {
					Expect(reg.Load(ctx, &counter{name: "flaky"})).To(Succeed())
					Expect(reg.Unload(ctx, "flaky")).To(Succeed())
				}
			}()
			for i := 0; i < 100; i++ {
				join()
			}
			wg.Wait()

			Expect(steady.seen()).To(Equal(100))
			Expect(reg.Shutdown(ctx)).To(Succeed())
			Expect(reg.List()).To(BeEmpty())
		})
	})
})
