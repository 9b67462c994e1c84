//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/infra"
	"github.com/eliteGoblin/focusd/steamwatch/internal/plugin"
	"github.com/eliteGoblin/focusd/steamwatch/internal/policy"
	"github.com/eliteGoblin/focusd/steamwatch/internal/usecase"
	"github.com/eliteGoblin/focusd/steamwatch/internal/vdf"
	"github.com/eliteGoblin/focusd/steamwatch/test/fixtures"
)

const agentID = "local-it"

// fakeProcesses is an in-memory process table
type fakeProcesses struct {
	mu      sync.Mutex
	running []domain.ProcessInfo
	killed  []int
}

func (f *fakeProcesses) FindByName(pattern string) ([]domain.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProcessInfo
	for _, p := range f.running {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(pattern)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProcesses) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	kept := f.running[:0]
	for _, p := range f.running {
		if p.PID != pid {
			kept = append(kept, p)
		}
	}
	f.running = kept
	return nil
}

func (f *fakeProcesses) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// countingNotifier counts forwarded notifications by kind
type countingNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *countingNotifier) Notify(kind string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string]int)
	}
	n.counts[kind]++
}

func (n *countingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[kind]
}

func unload(p *plugin.Plugin) {
	done := make(chan struct{})
	p.OnUnload(func() { close(done) })
	Eventually(done, 5*time.Second).Should(BeClosed())
}

var _ = Describe("Steam install discovery", func() {
	var (
		tmpDir  string
		steam   *fixtures.FakeSteam
		decoder *vdf.Decoder
		paths   policy.Paths
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "steamwatch-integration-*")
		Expect(err).NotTo(HaveOccurred())

		steam = fixtures.NewFakeSteam(filepath.Join(tmpDir, "Steam"))
		Expect(steam.Create("kiddo",
			fixtures.FakeGame{AppID: "570", Name: "Dota 2", InstallDir: "dota 2 beta"},
			fixtures.FakeGame{AppID: "730", Name: "Counter-Strike 2", InstallDir: "Counter-Strike Global Offensive"},
		)).To(Succeed())

		resolver := policy.NewResolver(infra.NewFileSystemManagerWithHome(tmpDir), tmpDir).WithBaseDir(steam.BaseDir)
		paths = resolver.Resolve(domain.PlatformLinux)
		decoder = vdf.NewDecoder(zap.NewNop())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("resolves every Steam directory", func() {
		Expect(paths.Installed()).To(BeTrue())
		Expect(paths.Config).NotTo(BeEmpty())
		Expect(paths.UserData).NotTo(BeEmpty())
		Expect(paths.SteamApps).To(Equal(steam.SteamApps()))
	})

	It("reads installed games and the persona name", func() {
		games, err := decoder.InstalledGames(paths.SteamApps)
		Expect(err).NotTo(HaveOccurred())
		Expect(games).To(HaveLen(2))
		Expect(games[0].Name).To(Equal("Dota 2"))
		Expect(games[1].AppID).To(Equal("730"))

		name, err := decoder.PersonaName(steam.LocalConfigVDF())
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("kiddo"))
	})

	Context("when Family View is turned on", func() {
		It("reports the new settings through the watch", func() {
			ps, err := decoder.ParentalSettings(steam.ConfigVDF())
			Expect(err).NotTo(HaveOccurred())
			Expect(ps).To(BeNil())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			changed := make(chan struct{}, 4)
			Expect(decoder.Watch(ctx, steam.ConfigVDF(), func(vdf.Tree) {
				changed <- struct{}{}
			})).To(Succeed())

			Expect(steam.SetFamilyView("abc123")).To(Succeed())
			Eventually(changed, 5*time.Second).Should(Receive())

			ps, err = decoder.ParentalSettings(steam.ConfigVDF())
			Expect(err).NotTo(HaveOccurred())
			Expect(ps).NotTo(BeNil())
			Expect(ps.Locked()).To(BeTrue())
			Expect(ps.Signature).To(Equal("sig-abc123"))
		})
	})
})

var _ = Describe("Plugin with the local agent", func() {
	var (
		tmpDir   string
		procs    *fakeProcesses
		local    *infra.LocalAgent
		store    *infra.FileStateStore
		notifier *countingNotifier
		p        *plugin.Plugin
	)

	newPlugin := func() *plugin.Plugin {
		local = infra.NewLocalAgent(agentID, procs, zap.NewNop()).WithPlatform(domain.PlatformWindows)
		pl := plugin.New(plugin.Options{
			Agents:   infra.NewAgentMux(local, nil, zap.NewNop()),
			Store:    store,
			Notifier: notifier,
			Activity: infra.NewActivityLog(zap.NewNop()),
			Logger:   zap.NewNop(),
		})
		local.WithEvents(pl.Emitter())
		return pl
	}

	request := func(name, payload string) usecase.Response {
		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		return p.Handle(context.Background(), name, raw)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "steamwatch-integration-*")
		Expect(err).NotTo(HaveOccurred())

		procs = &fakeProcesses{running: []domain.ProcessInfo{
			{PID: 100, Name: "steam.exe"},
			{PID: 101, Name: "steamwebhelper.exe"},
			{PID: 200, Name: "notepad.exe"},
		}}
		store = infra.NewFileStateStore(tmpDir)
		notifier = &countingNotifier{}
		p = newPlugin()
		Expect(p.OnLoad(context.Background(), nil)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("registers a blocked policy on load", func() {
		pol, ok := local.Policy()
		Expect(ok).To(BeTrue())
		Expect(pol.ProcessName).To(Equal("steam.exe"))
		Expect(pol.Allowed).To(BeFalse())
		Expect(pol.Actions.OnViolation).To(Equal(domain.ActionKillProcess))
		unload(p)
	})

	It("kills Steam, records violations and forwards notifications", func() {
		result := local.Scan(context.Background())

		Expect(result.KilledPIDs).To(ConsistOf(100, 101))
		Expect(procs.killedPIDs()).NotTo(ContainElement(200))

		Eventually(func() int { return len(p.State().Violations) }, 5*time.Second).Should(Equal(2))
		Eventually(func() int { return notifier.count(domain.NotifySteamViolation) }, 5*time.Second).Should(Equal(2))
		Eventually(func() int { return notifier.count(domain.NotifySteamDetected) }, 5*time.Second).Should(Equal(2))

		resp := request(usecase.RequestGetStatus, "")
		Expect(resp.OK).To(BeTrue())
		status := resp.Result.(*usecase.StatusResult)
		Expect(status.AgentCount).To(Equal(1))
		Expect(status.RecentViolations).To(HaveLen(2))
		unload(p)
	})

	It("persists state so a reloaded plugin keeps violations and links", func() {
		Expect(request(usecase.RequestLinkAgent, `{"agentId":"local-it","childId":"child-1"}`).OK).To(BeTrue())
		local.Scan(context.Background())
		Eventually(func() int { return len(p.State().Violations) }, 5*time.Second).Should(Equal(2))

		saved, err := store.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.Violations).To(HaveLen(2))
		Expect(saved.Agents[agentID].ChildID).To(Equal("child-1"))
		unload(p)

		reloaded := newPlugin()
		Expect(reloaded.OnLoad(context.Background(), nil)).To(Succeed())
		Expect(reloaded.State().Violations).To(HaveLen(2))
		Expect(reloaded.State().Agents[agentID].Enabled).To(BeTrue())
		unload(reloaded)
	})

	It("lets Steam run once the child has quota", func() {
		Expect(request(usecase.RequestLinkAgent, `{"agentId":"local-it","childId":"child-1"}`).OK).To(BeTrue())

		p.Emitter().StateChange("child-1", domain.AuthState{RemainingQuota: 45})

		Eventually(func() bool {
			pol, _ := local.Policy()
			return pol.Allowed
		}, 5*time.Second).Should(BeTrue())

		result := local.Scan(context.Background())
		Expect(result.Detected).To(HaveLen(2))
		Expect(result.KilledPIDs).To(BeEmpty())
		unload(p)
	})

	It("propagates settings changes to the agent policy", func() {
		resp := request(usecase.RequestUpdateSettings, `{"settings":{"checkInterval":60000,"killOnViolation":false}}`)
		Expect(resp.OK).To(BeTrue())

		pol, _ := local.Policy()
		Expect(pol.CheckInterval).To(Equal(time.Minute))
		Expect(pol.Actions.OnViolation).To(Equal(domain.ActionNotifyOnly))

		result := local.Scan(context.Background())
		Expect(result.KilledPIDs).To(BeEmpty())
		unload(p)
	})

	It("removes the local policy on unload", func() {
		unload(p)

		_, ok := local.Policy()
		Expect(ok).To(BeFalse())
		Expect(p.State().Policies).To(BeEmpty())
	})
})
