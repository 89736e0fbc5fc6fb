package kdebug

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"ember/emberos/kernel"
	"ember/internal/metrics"
)

func cmdHelp(d *Debugger, _ []string) error {
	d.printf("Kernel debugger commands:\n\n")
	for _, name := range d.names() {
		cmd := d.primary[name]
		d.printf("  %-10s %s\n", cmd.Usage, cmd.Desc)
	}
	d.printf("\n")
	return nil
}

func cmdPS(d *Debugger, _ []string) error {
	snap := d.k.Snapshot()
	d.printf("ticks %d, current #%d, runnable %v\n", snap.Ticks, snap.Current, snap.RunQueue)

	w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tTHREADS\tCHANNELS\tPAGES")
	for _, p := range snap.Processes {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", p.PID, p.Name, len(p.Threads), len(p.Channels), p.Pages)
		for _, t := range p.Threads {
			marker := ""
			if t.TID == snap.Current {
				marker = " *"
			}
			fmt.Fprintf(w, "\t  #%d %s\t%s%s\t\t\n", t.TID, t.Name, t.State, marker)
		}
	}
	return w.Flush()
}

func lookupProcess(d *Debugger, usage string, args []string) (kernel.ProcSnapshot, error) {
	if len(args) != 1 {
		return kernel.ProcSnapshot{}, errors.New("usage: " + usage)
	}
	pid, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return kernel.ProcSnapshot{}, fmt.Errorf("invalid pid %q", args[0])
	}
	p, ok := d.k.Snapshot().Process(kernel.PID(pid))
	if !ok {
		return kernel.ProcSnapshot{}, fmt.Errorf("no process %d", pid)
	}
	return p, nil
}

func cmdChannels(d *Debugger, args []string) error {
	p, err := lookupProcess(d, "ch <pid>", args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CID\tREFS\tLINKED\tTRANSFER\tNOTIFY\tRECEIVER\tSENDERS")
	for _, c := range p.Channels {
		linked := "-"
		if c.LinkedPID != 0 {
			linked = fmt.Sprintf("%d:%s", c.LinkedPID, c.LinkedCID)
		}
		xfer := "-"
		if c.TransferTo != 0 {
			xfer = c.TransferTo.String()
		}
		recv := "-"
		if c.Receiver != 0 {
			recv = fmt.Sprintf("#%d", c.Receiver)
		}
		senders := make([]string, len(c.Senders))
		for i, tid := range c.Senders {
			senders[i] = fmt.Sprintf("#%d", tid)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%#x\t%s\t%s\n",
			c.CID, c.Refs, linked, xfer, uint32(c.Notifications), recv, strings.Join(senders, ","))
	}
	return w.Flush()
}

func cmdVM(d *Debugger, args []string) error {
	p, err := lookupProcess(d, "vm <pid>", args)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tFLAGS\tPAGER")
	for _, a := range p.Areas {
		fmt.Fprintf(w, "%#x\t%#x\t%s\t%s\n", a.Start, a.End, areaFlags(a.Flags), a.Pager)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	d.printf("%d pages mapped\n", p.Pages)
	return nil
}

func areaFlags(f kernel.PageFlags) string {
	b := []byte("u-")
	if f&kernel.PageUser == 0 {
		b[0] = '-'
	}
	if f&kernel.PageWritable != 0 {
		b[1] = 'w'
	}
	return string(b)
}

func cmdStats(d *Debugger, _ []string) error {
	if d.gather == nil {
		return errors.New("stats: no metrics registry")
	}
	return metrics.Snapshot(d.out, d.gather)
}

func cmdIRQ(d *Debugger, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: irq <n>")
	}
	n, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid irq %q", args[0])
	}
	d.k.DeliverIRQ(uint8(n))
	return nil
}

func cmdQuit(_ *Debugger, _ []string) error {
	return ErrQuit
}
