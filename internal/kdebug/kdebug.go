// Package kdebug is the kernel debugger console: a line-oriented command
// interpreter over the kernel's snapshot and statistics.
package kdebug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ember/emberos/kernel"
)

// ErrQuit is returned by Exec and Serve after the q command.
var ErrQuit = errors.New("kdebug: quit")

// MaxLine bounds a command line.
const MaxLine = 256

const prompt = "kdebug> "

type cmdFunc func(d *Debugger, args []string) error

type command struct {
	Name    string
	Aliases []string
	Usage   string
	Desc    string
	Run     cmdFunc
}

// Debugger runs debugger commands against a kernel.
type Debugger struct {
	k      *kernel.Kernel
	out    io.Writer
	log    *zap.Logger
	gather prometheus.Gatherer

	primary map[string]command
	lookup  map[string]string
}

// Option customizes a Debugger.
type Option func(*Debugger)

// WithLogger sets the logger used for invalid commands.
func WithLogger(l *zap.Logger) Option {
	return func(d *Debugger) { d.log = l }
}

// WithGatherer sets where the stats command reads the kernel counters.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(d *Debugger) { d.gather = g }
}

// New returns a debugger printing to out.
func New(k *kernel.Kernel, out io.Writer, opts ...Option) *Debugger {
	d := &Debugger{
		k:       k,
		out:     out,
		log:     zap.NewNop(),
		primary: make(map[string]command),
		lookup:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, cmd := range []command{
		{Name: "help", Aliases: []string{"?"}, Usage: "help", Desc: "List debugger commands.", Run: cmdHelp},
		{Name: "ps", Usage: "ps", Desc: "List processes and threads.", Run: cmdPS},
		{Name: "ch", Usage: "ch <pid>", Desc: "List the channels of a process.", Run: cmdChannels},
		{Name: "vm", Usage: "vm <pid>", Desc: "List the vmareas of a process.", Run: cmdVM},
		{Name: "stats", Usage: "stats", Desc: "Show kernel statistics.", Run: cmdStats},
		{Name: "irq", Usage: "irq <n>", Desc: "Raise interrupt line n.", Run: cmdIRQ},
		{Name: "q", Aliases: []string{"quit"}, Usage: "q", Desc: "Halt the kernel.", Run: cmdQuit},
	} {
		if err := d.register(cmd); err != nil {
			panic(err)
		}
	}
	return d
}

func (d *Debugger) register(cmd command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("kdebug: bad command %q", cmd.Name)
	}
	if _, ok := d.lookup[cmd.Name]; ok {
		return fmt.Errorf("kdebug: duplicate command %q", cmd.Name)
	}
	d.primary[cmd.Name] = cmd
	d.lookup[cmd.Name] = cmd.Name
	for _, alias := range cmd.Aliases {
		if _, ok := d.lookup[alias]; ok {
			return fmt.Errorf("kdebug: duplicate alias %q", alias)
		}
		d.lookup[alias] = cmd.Name
	}
	return nil
}

func (d *Debugger) resolve(name string) (command, bool) {
	primary, ok := d.lookup[name]
	if !ok {
		return command{}, false
	}
	cmd, ok := d.primary[primary]
	return cmd, ok
}

func (d *Debugger) names() []string {
	out := make([]string, 0, len(d.primary))
	for name := range d.primary {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Exec runs one command line. Empty lines are ignored.
func (d *Debugger) Exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("kdebug: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := d.resolve(args[0])
	if !ok {
		d.log.Warn("invalid debugger command", zap.String("cmdline", line))
		return fmt.Errorf("kdebug: unknown command %q (try help)", args[0])
	}
	return cmd.Run(d, args[1:])
}

// Serve reads commands from in until it is exhausted, ctx is done or q is
// entered. Command errors are printed and do not stop the loop.
func (d *Debugger) Serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, MaxLine), MaxLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); errors.Is(err, bufio.ErrTooLong) {
			d.log.Warn("too long kernel debugger command")
		}
		scanErr <- sc.Err()
	}()

	d.printf("%s", prompt)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			err := d.Exec(strings.TrimSpace(line))
			if errors.Is(err, ErrQuit) {
				return err
			}
			if err != nil {
				d.printf("%v\n", err)
			}
			d.printf("%s", prompt)
		}
	}
}

func (d *Debugger) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}
