// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/engine"
	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/platform/platformtest"
	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/sandbox/wasmtest"
	"github.com/composebot/composebot/internal/store"
	"github.com/composebot/composebot/pkg/abi"
)

func newPlugin(name string, module []byte, caps ...string) *plugin.Plugin {
	p, err := plugin.New(&plugin.Manifest{
		Name:         name,
		Version:      "1.0.0",
		Module:       name + ".wasm",
		Capabilities: caps,
		Events:       []string{"message"},
	}, module)
	Expect(err).NotTo(HaveOccurred())
	return p
}

func testConfig(plugins ...config.PluginConfig) *config.Config {
	cfg := config.Default()
	cfg.HotReload = false
	cfg.Platform.Kind = config.PlatformStdio
	cfg.Scheduler.Workers = 4
	cfg.Scheduler.JobTimeout = 2 * time.Second
	cfg.Scheduler.Restart.BaseBackoff = 10 * time.Millisecond
	cfg.Scheduler.Restart.MaxBackoff = 50 * time.Millisecond
	cfg.Bridge.CallTimeout = 2 * time.Second
	cfg.Bridge.BaseBackoff = 10 * time.Millisecond
	cfg.Bridge.RateLimit = config.RateLimitConfig{Rate: 1000, Burst: 1000}
	cfg.Plugins = plugins
	return &cfg
}

type harness struct {
	engine  *engine.Engine
	client  *platformtest.Client
	kv      *store.MemoryKV
	metrics *observability.Metrics
}

func startEngine(cfg *config.Config, plugins []*plugin.Plugin) *harness {
	h := &harness{
		client:  platformtest.New(),
		kv:      store.NewMemoryKV(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	e, err := engine.New(engine.Options{
		Config:  cfg,
		Client:  h.client,
		KV:      h.kv,
		Plugins: plugins,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
	})
	Expect(err).NotTo(HaveOccurred())
	h.engine = e

	Expect(e.Start(context.Background())).To(Succeed())
	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	Eventually(h.client.Connected).Should(BeTrue())
	return h
}

func (h *harness) message(text string) {
	Expect(h.client.Emit(platform.NewEvent(platform.EventMessage, []byte(text), "chat-1"))).To(BeTrue())
}

func (h *harness) jobs(plugin, kind, outcome string) func() float64 {
	return func() float64 {
		return testutil.ToFloat64(h.metrics.JobsTotal.WithLabelValues(plugin, kind, outcome))
	}
}

func bodies(calls []platformtest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, string(c.Payload))
	}
	return out
}

var _ = Describe("Engine", func() {
	Describe("ping/pong", func() {
		var h *harness

		BeforeEach(func() {
			h = startEngine(
				testConfig(
					config.PluginConfig{Name: "pong-granted", Grants: []string{"api.submit.reply"}},
					config.PluginConfig{Name: "pong-denied"},
				),
				[]*plugin.Plugin{
					newPlugin("pong-granted", wasmtest.Pong(), "api.submit.reply"),
					newPlugin("pong-denied", wasmtest.Pong(), "api.submit.reply"),
				})
		})

		It("replies exactly once through the granted instance", func() {
			h.message("ping")

			Eventually(func() []string { return bodies(h.client.CallsTo("reply")) }).
				Should(Equal([]string{"pong"}))
			Consistently(func() int { return len(h.client.Calls()) }, 200*time.Millisecond).
				Should(Equal(1))
		})

		It("delivers the submit result back as a continuation", func() {
			h.message("ping")

			Eventually(h.jobs("pong-granted", "continuation", observability.OutcomeCompleted)).
				Should(BeNumerically("==", 1))
			Expect(h.engine.Bridge().Pending(mustHandle(h.engine, "pong-granted"))).To(BeZero())
		})

		It("answers the ungranted instance with a denial and no platform call", func() {
			h.message("ping")

			Eventually(h.jobs("pong-denied", "dispatch", observability.OutcomeFailed)).
				Should(BeNumerically("==", 1))
			Expect(testutil.ToFloat64(h.metrics.CapabilityDenied.WithLabelValues("pong-denied", abi.FuncSubmit))).
				To(BeNumerically("==", 1))
			Eventually(h.client.Calls).Should(HaveLen(1))
			Expect(h.client.Calls()[0].Route).To(Equal("reply"))
		})

		It("reports loaded plugins and their state", func() {
			Expect(h.engine.Ready()).To(BeTrue())
			Expect(h.engine.Plugins()).To(Equal([]string{"pong-denied", "pong-granted"}))

			info, err := h.engine.Info("pong-granted")
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Functions).To(ContainElement(abi.FuncSubmit))

			h.message("ping")
			Eventually(func() int64 { return h.engine.Stats().Router.Dispatched }).
				Should(BeNumerically("==", 2))
		})
	})

	It("keeps serving other plugins while one traps", func() {
		h := startEngine(
			testConfig(
				config.PluginConfig{Name: "trapper"},
				config.PluginConfig{Name: "pong", Grants: []string{"api.submit"}},
			),
			[]*plugin.Plugin{
				newPlugin("trapper", wasmtest.Trap()),
				newPlugin("pong", wasmtest.Pong(), "api.submit"),
			})

		for range 3 {
			h.message("ping")
		}

		Eventually(func() int { return len(h.client.CallsTo("reply")) }).Should(Equal(3))
		Eventually(h.jobs("trapper", "dispatch", observability.OutcomeFailed)).
			Should(BeNumerically(">=", 1))
		Eventually(func() float64 {
			return testutil.ToFloat64(h.metrics.InstanceRestarts.WithLabelValues("trapper"))
		}).Should(BeNumerically(">=", 1))
	})

	It("fires timers as timer jobs on the same instance", func() {
		h := startEngine(
			testConfig(config.PluginConfig{Name: "ticker", Grants: []string{"timer", "api.submit.reply"}}),
			[]*plugin.Plugin{newPlugin("ticker", wasmtest.Timer(20, "tick", "reply", "tock"), "timer", "api.submit.reply")})

		h.message("start")

		Eventually(func() []string { return bodies(h.client.CallsTo("reply")) }).
			Should(Equal([]string{"tock"}))
		Eventually(h.jobs("ticker", "timer", observability.OutcomeCompleted)).
			Should(BeNumerically("==", 1))
	})

	It("stores plugin data in the plugin's own namespace", func() {
		h := startEngine(
			testConfig(config.PluginConfig{Name: "kv-setter", Grants: []string{"kv.write"}}),
			[]*plugin.Plugin{newPlugin("kv-setter", wasmtest.KVSetter("greeting"), "kv.write")})

		h.message("hello")

		Eventually(func() int { return h.kv.Len("kv-setter") }).Should(Equal(1))
		value, err := h.kv.Get(context.Background(), "kv-setter", "greeting")
		Expect(err).NotTo(HaveOccurred())

		var env abi.EventEnvelope
		Expect(json.Unmarshal(value, &env)).To(Succeed())
		Expect(env.Type).To(Equal(platform.EventMessage))
		Expect(env.Payload).To(Equal("hello"))
		Expect(env.CorrelationID).To(Equal("chat-1"))
	})

	It("skips plugins that fail to load or are not enabled", func() {
		h := startEngine(
			testConfig(
				config.PluginConfig{Name: "broken"},
				config.PluginConfig{Name: "pong", Grants: []string{"api.submit"}},
				config.PluginConfig{Name: "missing"},
			),
			[]*plugin.Plugin{
				newPlugin("broken", wasmtest.BadImport()),
				newPlugin("pong", wasmtest.Pong(), "api.submit"),
				newPlugin("idle", wasmtest.Noop()),
			})

		Expect(h.engine.Plugins()).To(Equal([]string{"pong"}))
		_, ok := h.engine.Handle("broken")
		Expect(ok).To(BeFalse())
		_, ok = h.engine.Handle("idle")
		Expect(ok).To(BeFalse())

		h.message("ping")
		Eventually(func() int { return len(h.client.CallsTo("reply")) }).Should(Equal(1))
	})

	It("refuses a grant the manifest never requested", func() {
		h := startEngine(
			testConfig(config.PluginConfig{Name: "greedy", Grants: []string{"api.submit"}}),
			[]*plugin.Plugin{newPlugin("greedy", wasmtest.Pong(), "log")})

		Expect(h.engine.Plugins()).To(BeEmpty())
	})

	Describe("reload", func() {
		It("swaps the module in under the same handle", func() {
			cfg := testConfig(config.PluginConfig{Name: "bot", Grants: []string{"api.submit"}})
			h := startEngine(cfg, []*plugin.Plugin{newPlugin("bot", wasmtest.Submitter("reply", "v1"), "api.submit")})
			before := mustHandle(h.engine, "bot")

			h.message("one")
			Eventually(func() []string { return bodies(h.client.CallsTo("reply")) }).
				Should(Equal([]string{"v1"}))

			Expect(h.engine.Replace(context.Background(),
				newPlugin("bot", wasmtest.Submitter("reply", "v2"), "api.submit"))).To(Succeed())

			h.message("two")
			Eventually(func() []string { return bodies(h.client.CallsTo("reply")) }).
				Should(Equal([]string{"v1", "v2"}))
			Expect(mustHandle(h.engine, "bot")).To(Equal(before))

			info, err := h.engine.Info("bot")
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Incarnation).To(BeNumerically("==", 1))
		})

		It("keeps the running module when the new build is broken", func() {
			h := startEngine(
				testConfig(config.PluginConfig{Name: "bot", Grants: []string{"api.submit"}}),
				[]*plugin.Plugin{newPlugin("bot", wasmtest.Pong(), "api.submit")})

			err := h.engine.Replace(context.Background(), newPlugin("bot", wasmtest.BadImport(), "api.submit"))
			Expect(err).To(HaveOccurred())

			h.message("ping")
			Eventually(func() []string { return bodies(h.client.CallsTo("reply")) }).
				Should(Equal([]string{"pong"}))
		})

		It("follows module changes on disk when hot reload is on", func() {
			dir := GinkgoT().TempDir()
			pluginDir := filepath.Join(dir, "bot")
			Expect(os.MkdirAll(pluginDir, 0o750)).To(Succeed())
			manifest := "name: bot\nversion: 1.0.0\nmodule: bot.wasm\ncapabilities: [api.submit]\nevents: [message]\n"
			Expect(os.WriteFile(filepath.Join(pluginDir, plugin.ManifestFile), []byte(manifest), 0o600)).To(Succeed())
			module := filepath.Join(pluginDir, "bot.wasm")
			Expect(os.WriteFile(module, wasmtest.Submitter("reply", "old"), 0o600)).To(Succeed())

			cfg := testConfig(config.PluginConfig{Name: "bot", Grants: []string{"api.submit"}})
			cfg.PluginsDir = dir
			cfg.HotReload = true
			h := startEngine(cfg, nil)
			Expect(h.engine.Plugins()).To(Equal([]string{"bot"}))

			Expect(os.WriteFile(module, wasmtest.Submitter("reply", "new"), 0o600)).To(Succeed())

			Eventually(func() []string {
				h.message("ping")
				return bodies(h.client.CallsTo("reply"))
			}, 5*time.Second, 100*time.Millisecond).Should(ContainElement("new"))
		})
	})

	It("routes a plugin call to the callee and its reply back to the caller", func() {
		h := startEngine(
			testConfig(
				config.PluginConfig{Name: "asker", Grants: []string{"plugin.call.dice", "api.submit.out"}},
				config.PluginConfig{Name: "dice"},
			),
			[]*plugin.Plugin{
				newPlugin("asker", wasmtest.Caller("dice", "roll", "out"), "plugin.call.dice", "api.submit.out"),
				newPlugin("dice", wasmtest.Replier()),
			})

		h.message("roll please")

		Eventually(func() int { return len(h.client.CallsTo("out")) }).Should(Equal(1))
		var res abi.ResultPayload
		Expect(json.Unmarshal(h.client.CallsTo("out")[0].Payload, &res)).To(Succeed())
		Expect(res.OK).To(BeTrue())

		var call abi.CallPayload
		Expect(json.Unmarshal([]byte(res.Body), &call)).To(Succeed())
		Expect(call.From).To(Equal("asker"))
		Expect(call.Function).To(Equal("roll"))
		Expect(call.CallID).To(Equal(res.CallID))
		Expect(h.engine.Bridge().Calls(mustHandle(h.engine, "asker"))).To(BeZero())
	})

	It("ends the run when a plugin requests shutdown", func() {
		h := startEngine(
			testConfig(config.PluginConfig{Name: "stopper", Grants: []string{"shutdown"}}),
			[]*plugin.Plugin{newPlugin("stopper", wasmtest.Shutdown(true), "shutdown")})

		Consistently(h.engine.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
		h.message("stop")

		Eventually(h.engine.Done()).Should(BeClosed())
		Expect(h.engine.RestartRequested()).To(BeTrue())
	})

	It("stops accepting work after shutdown", func() {
		h := startEngine(
			testConfig(config.PluginConfig{Name: "pong", Grants: []string{"api.submit"}}),
			[]*plugin.Plugin{newPlugin("pong", wasmtest.Pong(), "api.submit")})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(h.engine.Shutdown(ctx)).To(Succeed())
		Expect(h.engine.Ready()).To(BeFalse())

		err := h.engine.Replace(ctx, newPlugin("pong", wasmtest.Noop(), "api.submit"))
		Expect(err).To(MatchError(engine.ErrNotRunning))
		Expect(h.engine.Shutdown(ctx)).To(Succeed())
	})

	It("rejects incomplete options", func() {
		_, err := engine.New(engine.Options{})
		Expect(err).To(HaveOccurred())

		_, err = engine.New(engine.Options{Config: testConfig(), Client: platformtest.New()})
		Expect(err).To(HaveOccurred())
	})
})

func mustHandle(e *engine.Engine, name string) sandbox.Handle {
	hd, ok := e.Handle(name)
	Expect(ok).To(BeTrue())
	return hd
}
