package microvm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/internal/firecracker"
	"github.com/cochaviz/kiln/internal/logging"
)

// Configurator drives the ordered configuration sequence against a freshly
// spawned hypervisor: boot source, root drive, machine resources, network
// interface, and optionally the metadata service or a NoCloud seed image.
type Configurator struct {
	Logger *slog.Logger
}

func (c *Configurator) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// Apply runs the full sequence. The first failing step aborts and is
// wrapped into a *ConfigurationError naming it; the caller decides whether
// to abandon the create.
func (c *Configurator) Apply(ctx context.Context, api APIClient, cfg Config) error {
	if err := c.ConfigureBootSource(ctx, api, cfg); err != nil {
		return err
	}
	if err := c.ConfigureRootDrive(ctx, api, cfg); err != nil {
		return err
	}
	if err := c.ConfigureMachine(ctx, api, cfg); err != nil {
		return err
	}
	if err := c.ConfigureNetworkInterface(ctx, api, cfg); err != nil {
		return err
	}
	if cfg.MMDSEnabled {
		if err := c.ConfigureMMDS(ctx, api, cfg); err != nil {
			return err
		}
	} else if cfg.UserData != "" {
		if err := c.AttachSeedImage(ctx, api, cfg); err != nil {
			return err
		}
	}
	return nil
}

// BootArgs renders the kernel command line: console and panic policy, the
// static guest network configuration, and the NoCloud datasource URL when
// the metadata service is enabled.
func BootArgs(cfg Config) string {
	var builder strings.Builder
	builder.WriteString("console=ttyS0 reboot=k panic=1 ")
	if cfg.MMDSEnabled {
		fmt.Fprintf(&builder, "ds=nocloud-net;s=http://%s/latest/ ", cfg.MMDSIP)
	}
	fmt.Fprintf(&builder, "ip=%s::%s:255.255.255.0:%s:%s:on",
		cfg.IPAddress, cfg.GatewayIP, cfg.Name, cfg.IfaceName)
	return builder.String()
}

// ConfigureBootSource verifies the kernel exists and configures it. A
// missing kernel is fatal, not retryable.
func (c *Configurator) ConfigureBootSource(ctx context.Context, api APIClient, cfg Config) error {
	if _, err := os.Stat(cfg.Kernel); err != nil {
		return &ConfigurationError{Op: "boot source", Reason: fmt.Sprintf("kernel file not found: %s", cfg.Kernel)}
	}
	err := api.PutBootSource(ctx, firecracker.BootSource{
		KernelImagePath: cfg.Kernel,
		BootArgs:        BootArgs(cfg),
	})
	if err != nil {
		return &ConfigurationError{Op: "boot source", Err: err}
	}
	c.logger().Debug("boot source configured", "id", cfg.ID, "kernel", cfg.Kernel)
	return nil
}

// ConfigureRootDrive attaches the instance's private rootfs copy as the
// writable root device.
func (c *Configurator) ConfigureRootDrive(ctx context.Context, api APIClient, cfg Config) error {
	err := api.PutDrive(ctx, firecracker.Drive{
		DriveID:      "rootfs",
		PathOnHost:   cfg.RootfsFile(),
		IsRootDevice: true,
		IsReadOnly:   false,
	})
	if err != nil {
		return &ConfigurationError{Op: "root drive", Err: err}
	}
	c.logger().Debug("root drive configured", "id", cfg.ID, "rootfs", cfg.RootfsFile())
	return nil
}

// ConfigureMachine sets vCPU count and memory size.
func (c *Configurator) ConfigureMachine(ctx context.Context, api APIClient, cfg Config) error {
	err := api.PutMachineConfig(ctx, firecracker.MachineConfig{
		VCPUCount:  cfg.VCPU,
		MemSizeMib: cfg.MemSizeMib,
	})
	if err != nil {
		return &ConfigurationError{Op: "machine resources", Err: err}
	}
	c.logger().Debug("machine resources configured", "id", cfg.ID, "vcpu", cfg.VCPU, "mem_mib", cfg.MemSizeMib)
	return nil
}

// ConfigureNetworkInterface binds the instance's tap device to the guest
// interface.
func (c *Configurator) ConfigureNetworkInterface(ctx context.Context, api APIClient, cfg Config) error {
	err := api.PutNetworkInterface(ctx, firecracker.NetworkInterface{
		IfaceID:     cfg.IfaceName,
		HostDevName: cfg.TapName(),
	})
	if err != nil {
		return &ConfigurationError{Op: "network interface", Err: err}
	}
	return nil
}

// ConfigureMMDS enables the metadata service and stores the instance
// metadata payload, including any cloud-init user data.
func (c *Configurator) ConfigureMMDS(ctx context.Context, api APIClient, cfg Config) error {
	err := api.PutMMDSConfig(ctx, firecracker.MMDSConfig{
		Version:           "V2",
		IPv4Address:       cfg.MMDSIP,
		NetworkInterfaces: []string{cfg.IfaceName},
	})
	if err != nil {
		return &ConfigurationError{Op: "mmds config", Err: err}
	}

	if err := api.PutMMDSData(ctx, MMDSPayload(cfg)); err != nil {
		return &ConfigurationError{Op: "mmds data", Err: err}
	}
	c.logger().Debug("mmds configured", "id", cfg.ID, "mmds_ip", cfg.MMDSIP)
	return nil
}

// MMDSPayload builds the metadata document served to the guest.
func MMDSPayload(cfg Config) map[string]any {
	latest := map[string]any{
		"meta-data": map[string]any{
			"instance-id":    cfg.ID,
			"local-hostname": cfg.Name,
		},
	}
	if cfg.UserData != "" {
		latest["user-data"] = cfg.UserData
	}
	return map[string]any{"latest": latest}
}

// AttachSeedImage builds a NoCloud seed image carrying the cloud-init user
// data and attaches it as a read-only secondary drive. Used when user data
// is present but the metadata service is disabled.
func (c *Configurator) AttachSeedImage(ctx context.Context, api APIClient, cfg Config) error {
	seedPath, err := BuildSeedImage(cfg)
	if err != nil {
		return &ConfigurationError{Op: "seed image", Err: err}
	}
	err = api.PutDrive(ctx, firecracker.Drive{
		DriveID:      "seed",
		PathOnHost:   seedPath,
		IsRootDevice: false,
		IsReadOnly:   true,
	})
	if err != nil {
		return &ConfigurationError{Op: "seed image", Err: err}
	}
	c.logger().Debug("seed image attached", "id", cfg.ID, "path", seedPath)
	return nil
}

// BuildSeedImage writes a cidata ISO with user-data and meta-data files
// into the instance directory and returns its path.
func BuildSeedImage(cfg Config) (string, error) {
	stagingDir, err := os.MkdirTemp(cfg.Dir(), "seed-*")
	if err != nil {
		return "", fmt.Errorf("create seed staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", cfg.ID, cfg.Name)
	files := map[string]string{
		"user-data": cfg.UserData,
		"meta-data": metaData,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("stage seed file %s: %w", name, err)
		}
	}

	imagePath := filepath.Join(cfg.Dir(), "seed.iso")
	if err := createISOFromDirectory(stagingDir, imagePath, "cidata"); err != nil {
		return "", err
	}
	return imagePath, nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	return out.Close()
}
