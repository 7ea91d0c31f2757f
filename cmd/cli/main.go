package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cochaviz/kiln/internal/firecracker"
	"github.com/cochaviz/kiln/internal/hostnet"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/microvm"
	"github.com/cochaviz/kiln/internal/microvm/registry"
	"github.com/cochaviz/kiln/internal/session"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/shell"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "CLI for 'kiln': manage Firecracker microVMs on a single host",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newCreateCommand(logger),
		newListCommand(logger),
		newFindCommand(logger),
		newStatusCommand(logger),
		newInspectCommand(logger),
		newPauseCommand(logger),
		newResumeCommand(logger),
		newDeleteCommand(logger),
		newConnectCommand(logger),
		newPortForwardCommand(logger),
		newExecCommand(logger),
		newSetupCommand(logger),
	)
	return root
}

func verifySetup(logger *slog.Logger) error {
	logger = logger.With("action", "verify_setup")
	if err := setup.Verify(); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'kiln setup' to initialize the host")
		return err
	}
	return nil
}

func newManager(logger *slog.Logger) (*microvm.Manager, error) {
	defaults, err := microvm.LoadDefaults(setup.DefaultsFile)
	if err != nil {
		return nil, err
	}
	return &microvm.Manager{
		Defaults: defaults,
		Logger:   logger,
		Registry: registry.NewLocal(defaults.DataDir, logger.With("component", "registry")),
		Network:  &hostnet.Manager{Logger: logger.With("component", "hostnet")},
		Sessions: &session.Runner{Logger: logger.With("component", "session")},
		Shell:    &shell.Dialer{Logger: logger.With("component", "shell")},
		DialAPI: func(socketPath string) microvm.APIClient {
			return firecracker.Dial(socketPath)
		},
	}, nil
}

// emitResult prints an expected outcome. Failed outcomes surface as command
// errors so the process exits nonzero.
func emitResult(cmd *cobra.Command, result microvm.Result) error {
	if !result.OK {
		return errors.New(result.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}

func newCreateCommand(logger *slog.Logger) *cobra.Command {
	var (
		name         string
		kernel       string
		rootfs       string
		rootfsURL    string
		vcpu         int
		memSizeMib   int
		ipAddress    string
		bridge       bool
		bridgeName   string
		mmds         bool
		mmdsIP       string
		userDataFile string
		labels       []string
		hostPorts    []string
		destPorts    []string
		workingDir   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a new microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "create")
			if err := verifySetup(cmdLogger); err != nil {
				return err
			}

			manager, err := newManager(cmdLogger)
			if err != nil {
				return err
			}

			opts := microvm.Options{
				Name:         name,
				Kernel:       kernel,
				Rootfs:       rootfs,
				RootfsURL:    rootfsURL,
				VCPU:         vcpu,
				MemSizeMib:   memSizeMib,
				IPAddress:    ipAddress,
				Bridge:       bridge,
				BridgeName:   bridgeName,
				MMDSEnabled:  mmds,
				MMDSIP:       mmdsIP,
				UserDataFile: userDataFile,
				Labels:       parseLabels(labels),
				HostPorts:    hostPorts,
				DestPorts:    destPorts,
				WorkingDir:   workingDir,
			}

			result, err := manager.Create(cmd.Context(), opts)
			if err != nil {
				cmdLogger.Error("create failed", "error", err)
				return err
			}
			return emitResult(cmd, result)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name for the microVM (generated when empty)")
	cmd.Flags().StringVar(&kernel, "kernel", "", "Path to the kernel image")
	cmd.Flags().StringVar(&rootfs, "rootfs", "", "Path to the base root filesystem image")
	cmd.Flags().StringVar(&rootfsURL, "rootfs-url", "", "URL to download the base root filesystem from")
	cmd.Flags().IntVar(&vcpu, "vcpu", 0, "Number of virtual CPUs")
	cmd.Flags().IntVar(&memSizeMib, "memory", 0, "Guest memory in MiB")
	cmd.Flags().StringVar(&ipAddress, "ip", "", "Requested guest IP address")
	cmd.Flags().BoolVar(&bridge, "bridge", false, "Attach the tap device to a bridge")
	cmd.Flags().StringVar(&bridgeName, "bridge-name", "", "Bridge to attach the tap device to")
	cmd.Flags().BoolVar(&mmds, "mmds", false, "Enable the guest metadata service")
	cmd.Flags().StringVar(&mmdsIP, "mmds-ip", "", "Metadata service address inside the guest")
	cmd.Flags().StringVar(&userDataFile, "user-data", "", "Path to a cloud-init user data file")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "Label as key=value; repeat flag to add more")
	cmd.Flags().StringArrayVar(&hostPorts, "host-port", nil, "Host port to forward; repeat or comma-separate")
	cmd.Flags().StringArrayVar(&destPorts, "dest-port", nil, "Guest port to forward to; repeat or comma-separate")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory recorded for the guest")

	return cmd
}

func newListCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all microVMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "list"))
			if err != nil {
				return err
			}
			instances, err := manager.List()
			if err != nil {
				return err
			}
			printInstances(cmd, instances)
			return nil
		},
	}
}

func newFindCommand(logger *slog.Logger) *cobra.Command {
	var (
		state  string
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find microVMs by state and labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "find"))
			if err != nil {
				return err
			}
			instances, err := manager.Find(microvm.State(state), parseLabels(labels))
			if err != nil {
				return err
			}
			printInstances(cmd, instances)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (running, paused)")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "Filter by label as key=value; repeat flag to add more")

	return cmd
}

func printInstances(cmd *cobra.Command, instances []microvm.Instance) {
	out := cmd.OutOrStdout()
	if len(instances) == 0 {
		fmt.Fprintln(out, "no microVMs")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tSTATE\tIP\tPID")
	for _, instance := range instances {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\n",
			instance.ID, instance.Name, instance.State, instance.IPAddress(), instance.PID)
	}
	writer.Flush()
}

func newStatusCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the state of a microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "status"))
			if err != nil {
				return err
			}
			status, err := manager.Status(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newInspectCommand(logger *slog.Logger) *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the full record of a microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			manager, err := newManager(logger.With("command", "inspect"))
			if err != nil {
				return err
			}

			if live {
				raw, err := manager.DescribeConfig(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}

			instance, err := manager.Inspect(id)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(instance, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Query the live hypervisor configuration instead of the stored record")

	return cmd
}

func newPauseCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Pause a running microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "pause"))
			if err != nil {
				return err
			}
			result, err := manager.Pause(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}
}

func newResumeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Resume a paused microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "resume"))
			if err != nil {
				return err
			}
			result, err := manager.Resume(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}
}

func newDeleteCommand(logger *slog.Logger) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Delete a microVM and all its resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "delete")
			manager, err := newManager(cmdLogger)
			if err != nil {
				return err
			}

			if all {
				result, err := manager.DeleteAll(cmd.Context())
				if err != nil {
					cmdLogger.Error("delete all failed", "error", err)
				}
				return emitResult(cmd, result)
			}

			if len(args) == 0 {
				return fmt.Errorf("a microVM id is required unless --all is given")
			}
			result, err := manager.Delete(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every microVM on this host")

	return cmd
}

func newConnectCommand(logger *slog.Logger) *cobra.Command {
	var (
		user    string
		keyPath string
	)

	cmd := &cobra.Command{
		Use:   "connect <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Open an SSH session into a microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "connect"))
			if err != nil {
				return err
			}
			result, err := manager.Connect(cmd.Context(), strings.TrimSpace(args[0]), user, keyPath)
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "SSH user (defaults to the configured user)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Path to the SSH private key")

	return cmd
}

func newPortForwardCommand(logger *slog.Logger) *cobra.Command {
	var (
		hostPorts []string
		destPorts []string
		remove    bool
	)

	cmd := &cobra.Command{
		Use:   "port-forward <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Add or remove TCP port forwarding rules for a microVM",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "port-forward"))
			if err != nil {
				return err
			}
			result, err := manager.PortForward(cmd.Context(), strings.TrimSpace(args[0]),
				microvm.ParsePorts(hostPorts...), microvm.ParsePorts(destPorts...), remove)
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}

	cmd.Flags().StringArrayVar(&hostPorts, "host-port", nil, "Host port; repeat or comma-separate")
	cmd.Flags().StringArrayVar(&destPorts, "dest-port", nil, "Guest port; repeat or comma-separate")
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the rules instead of adding them")

	return cmd
}

func newExecCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <id> <command>...",
		Args:  cobra.MinimumNArgs(2),
		Short: "Inject commands into the microVM console",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(logger.With("command", "exec"))
			if err != nil {
				return err
			}
			result, err := manager.ExecuteInVM(cmd.Context(), strings.TrimSpace(args[0]), args[1:])
			if err != nil {
				return err
			}
			return emitResult(cmd, result)
		},
	}
}

func newSetupCommand(logger *slog.Logger) *cobra.Command {
	var clearData bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Verify host requirements and initialize the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			if clearData {
				cmdLogger.Info("clearing instance data")
				if err := setup.ClearData(); err != nil {
					cmdLogger.Error("clear data failed", "error", err)
					return fmt.Errorf("clear instance data: %w", err)
				}
			}

			if err := setup.Verify(); err != nil {
				cmdLogger.Error("host verification failed", "error", err)
				return err
			}
			cmdLogger.Info("host verified", "data_dir", setup.DataDir)
			fmt.Fprintln(cmd.OutOrStdout(), "host is ready")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearData, "clear", "C", false, "Remove existing instance data before initializing")

	return cmd
}

func parseLabels(values []string) map[string]string {
	labels := map[string]string{}
	for _, value := range values {
		key, val, found := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		labels[key] = strings.TrimSpace(val)
	}
	return labels
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
