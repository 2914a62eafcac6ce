package alerts

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "deliverywatch/pkg/logx"
)

// Player produces the audible alarm. Start begins looping playback at the
// given volume (0..100) and Stop silences it. Both are idempotent.
type Player interface {
	Start(volume int)
	Stop()
}

type nopPlayer struct{}

func (nopPlayer) Start(int) {}
func (nopPlayer) Stop()     {}

// NopPlayer is used when no alarm command is configured.
func NopPlayer() Player { return nopPlayer{} }

// CommandPlayer loops an external playback command until stopped.
// A "{volume}" token in any argument is replaced with the current volume.
type CommandPlayer struct {
	argv []string
	log  logx.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCommandPlayer(argv []string, log logx.Logger) *CommandPlayer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandPlayer{argv: argv, log: log}
}

func (p *CommandPlayer) Start(volume int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || len(p.argv) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	argv := make([]string, len(p.argv))
	for i, a := range p.argv {
		argv[i] = strings.ReplaceAll(a, "{volume}", strconv.Itoa(volume))
	}
	go p.loop(ctx, argv)
}

func (p *CommandPlayer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *CommandPlayer) loop(ctx context.Context, argv []string) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		if err := cmd.Run(); err != nil && ctx.Err() == nil {
			p.log.Warn("alarm playback failed", logx.String("cmd", argv[0]), logx.Err(err))
			// Don't spin on a broken player binary.
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}
