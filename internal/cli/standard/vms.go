package standard

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/vmdeck/internal/cli/client"
	"github.com/ccheshirecat/vmdeck/internal/eventbus"
	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
	"github.com/ccheshirecat/vmdeck/internal/fleet/session"
)

func newVMsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vms",
		Short: "Manage VMs",
	}

	cmd.AddCommand(newVMsListCmd())
	cmd.AddCommand(newVMsGetCmd())
	cmd.AddCommand(newVMsLifecycleCmd(dispatch.VerbStart, "Power a VM on"))
	cmd.AddCommand(newVMsLifecycleCmd(dispatch.VerbStop, "Request a graceful shutdown"))
	cmd.AddCommand(newVMsLifecycleCmd(dispatch.VerbRestart, "Restart a VM"))
	cmd.AddCommand(newVMsLifecycleCmd(dispatch.VerbKill, "Force-stop a VM (asks for confirmation)"))
	cmd.AddCommand(newVMsEditCmd())
	cmd.AddCommand(newVMsDisksCmd())
	cmd.AddCommand(newVMsCreateCmd())
	cmd.AddCommand(newVMsWatchCmd())
	cmd.AddCommand(newVMsViewCmd())
	return cmd
}

type vmRow struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Lifecycle string `json:"lifecycle"`
	MemoryMB  int    `json:"memory_mb,omitempty"`
	VCPUs     int    `json:"vcpus,omitempty"`
	Port      int    `json:"port,omitempty"`
}

func rowFor(vm descriptor.Descriptor) vmRow {
	return vmRow{
		Name:      vm.Name(),
		Status:    vm.Status(),
		Lifecycle: descriptor.ClassifyStatus(vm.Status()).String(),
		MemoryMB:  vm.MemoryMB(),
		VCPUs:     vm.VCPUs(),
		Port:      vm.DisplayPort(),
	}
}

func newVMsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			snap, err := s.Loop.Refresh(ctx)
			if err != nil {
				return err
			}
			rows := make([]vmRow, 0, snap.Len())
			for _, vm := range snap.VMs {
				rows = append(rows, rowFor(vm))
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No VMs found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-14s %-13s %-8s %-5s %-6s\n", "NAME", "STATUS", "STATE", "MEM", "CPU", "PORT")
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-14s %-13s %-8s %-5s %-6s\n", r.Name, r.Status, r.Lifecycle, orDash(r.MemoryMB), orDash(r.VCPUs), orDash(r.Port))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVMsGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show VM details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if _, err := s.Loop.Refresh(ctx); err != nil {
				return err
			}
			vm, err := s.Loop.Lookup(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), vm)
			}
			r := rowFor(vm)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name: %s\nStatus: %s (%s)\nMemory: %s MB\nvCPUs: %s\nDisplay port: %s\n",
				r.Name, r.Status, r.Lifecycle, orDash(r.MemoryMB), orDash(r.VCPUs), orDash(r.Port))
			for _, disk := range descriptor.DiskPaths(vm) {
				fmt.Fprintf(out, "Disk: %s\n", disk)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw descriptor as JSON")
	return cmd
}

func newVMsLifecycleCmd(verb dispatch.Verb, short string) *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   string(verb) + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, promptConfirmer(cmd, assumeYes))
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var res *dispatch.Result
			name := args[0]
			switch verb {
			case dispatch.VerbStart:
				res, err = s.Dispatcher.Start(ctx, name)
			case dispatch.VerbStop:
				res, err = s.Dispatcher.Stop(ctx, name)
			case dispatch.VerbRestart:
				res, err = s.Dispatcher.Restart(ctx, name)
			case dispatch.VerbKill:
				res, err = s.Dispatcher.Kill(ctx, name)
			default:
				return fmt.Errorf("unsupported verb %q", verb)
			}
			if err != nil {
				return err
			}
			if !res.Performed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s cancelled\n", verb, name)
				return nil
			}
			printResult(cmd, res, fmt.Sprintf("%s %s: done", verb, name))
			return nil
		},
	}
	if verb.Destructive() {
		cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	}
	return cmd
}

func printResult(cmd *cobra.Command, res *dispatch.Result, fallback string) {
	out := cmd.OutOrStdout()
	if msg := res.Message(); msg != "" {
		fmt.Fprintln(out, msg)
	} else {
		fmt.Fprintln(out, fallback)
	}
	if res.Response != nil {
		for _, d := range res.Response.Details {
			fmt.Fprintf(out, "  %s\n", d)
		}
	}
}

func newVMsEditCmd() *cobra.Command {
	var (
		memory     int
		vcpus      int
		disk       string
		customDisk string
	)
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change a VM's memory, vCPUs or disk (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if disk != "" && customDisk != "" {
				return errors.New("use either --disk or --custom-disk")
			}
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if _, err := s.Loop.Refresh(ctx); err != nil {
				return err
			}
			form, err := s.Editor.Prepare(ctx, args[0])
			if err != nil {
				return err
			}
			if form.CapacityErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "host capacity unavailable, using declared limits: %v\n", form.CapacityErr)
			}
			req := dispatch.EditRequest{MemoryMB: form.Current.MemoryMB, VCPUs: form.Current.VCPUs}
			if cmd.Flags().Changed("memory") {
				req.MemoryMB = memory
			}
			if cmd.Flags().Changed("vcpus") {
				req.VCPUs = vcpus
			}
			switch {
			case disk != "":
				req.Disk = dispatch.KnownDisk(disk)
			case customDisk != "":
				req.Disk = dispatch.CustomDisk(customDisk)
			}
			res, err := s.Editor.Save(ctx, form, req)
			if err != nil {
				return err
			}
			printResult(cmd, res, "edit applied")
			return nil
		},
	}
	cmd.Flags().IntVar(&memory, "memory", 0, "memory in MB")
	cmd.Flags().IntVar(&vcpus, "vcpus", 0, "number of vCPUs")
	cmd.Flags().StringVar(&disk, "disk", "", "switch to a disk listed by 'vms disks'")
	cmd.Flags().StringVar(&customDisk, "custom-disk", "", "switch to an arbitrary disk path")
	return cmd
}

func newVMsDisksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disks <name>",
		Short: "Show the edit ranges and known disk images for a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			if _, err := s.Loop.Refresh(ctx); err != nil {
				return err
			}
			form, err := s.Editor.Prepare(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Memory: %d MB (range %d-%d)\n", form.Current.MemoryMB, form.Bounds.MemoryMin, form.Bounds.MemoryMax)
			fmt.Fprintf(out, "vCPUs: %d (range %d-%d)\n", form.Current.VCPUs, form.Bounds.VCPUMin, form.Bounds.VCPUMax)
			if len(form.KnownDisks) == 0 {
				fmt.Fprintln(out, "No known disks")
			}
			for _, d := range form.KnownDisks {
				fmt.Fprintf(out, "Disk (%s): %s\n", form.DiskSource, d)
			}
			if form.DiskErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "disk lookup failed: %v\n", form.DiskErr)
			}
			return nil
		},
	}
	return cmd
}

func newVMsCreateCmd() *cobra.Command {
	var req client.CreateRequest
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create and boot a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			req.Name = args[0]
			res, err := s.Dispatcher.Create(ctx, req)
			if err != nil {
				return err
			}
			printResult(cmd, res, "VM "+req.Name+" created")
			if res.Response != nil && res.Response.DiskPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Disk: %s\n", res.Response.DiskPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&req.MemoryMB, "memory", 2048, "memory (MB)")
	cmd.Flags().IntVar(&req.VCPUs, "vcpus", 2, "number of vCPUs")
	cmd.Flags().IntVar(&req.DiskGB, "disk-gb", 20, "disk size (GB)")
	cmd.Flags().StringVar(&req.ISOPath, "iso", "", "boot ISO path")
	return cmd
}

func newVMsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the fleet and print lifecycle changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			events := make(chan any, 16)
			unsubscribe, err := s.Subscribe(events)
			if err != nil {
				return err
			}
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			seen := make(map[string]descriptor.Lifecycle)
			out := cmd.OutOrStdout()
			for {
				select {
				case err := <-done:
					return err
				case raw := <-events:
					ev, ok := raw.(eventbus.SnapshotEvent)
					if !ok {
						continue
					}
					ts := ev.Timestamp.Format(time.RFC3339)
					if ev.Error != "" {
						fmt.Fprintf(out, "%s\terror\t%s\n", ts, ev.Error)
						continue
					}
					snap := s.Loop.Snapshot()
					current := make(map[string]descriptor.Lifecycle, snap.Len())
					for _, name := range snap.Names() {
						state := snap.Lifecycle(name)
						current[name] = state
						if prev, known := seen[name]; !known || prev != state {
							fmt.Fprintf(out, "%s\t%s\t%s\n", ts, name, state)
						}
					}
					for name := range seen {
						if _, still := current[name]; !still {
							fmt.Fprintf(out, "%s\t%s\tgone\n", ts, name)
						}
					}
					seen = current
				}
			}
		},
	}
	return cmd
}

func newVMsViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <name>",
		Short: "Relay a VM's SPICE display to a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			refreshCtx, refreshCancel := context.WithTimeout(ctx, 10*time.Second)
			_, err = s.Loop.Refresh(refreshCtx)
			refreshCancel()
			if err != nil {
				return err
			}
			relay, err := s.OpenDisplay(ctx, args[0])
			if errors.Is(err, session.ErrNoDisplay) {
				return fmt.Errorf("%s has no display; is it running?", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Relaying %s on %s\nOpen %s in a SPICE viewer. Ctrl-C to stop.\n", args[0], relay.Addr(), relay.ViewerURI())
			<-ctx.Done()
			return nil
		},
	}
	return cmd
}
