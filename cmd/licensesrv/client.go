package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyberinferno/go-licensesrv/config"
	"github.com/cyberinferno/go-licensesrv/licenseclient"
	"github.com/cyberinferno/go-licensesrv/store"
)

// clientOptions are the connection settings shared by every client
// subcommand. They are read from persistent flags or LICENSESRV_CLIENT_*.
type clientOptions struct {
	v *viper.Viper
}

func newClientCommand() *cobra.Command {
	opts := &clientOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send requests to a running license server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.v.SetEnvPrefix(config.EnvPrefix + "_CLIENT")
			opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			opts.v.AutomaticEnv()
			return opts.v.BindPFlags(cmd.Flags())
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("server", net.JoinHostPort(config.DefaultHost, strconv.Itoa(config.DefaultPort)), "license server address")
	flags.Duration("timeout", 10*time.Second, "connect and request timeout")
	flags.Bool("tls", false, "connect with TLS")
	flags.String("tls-ca", "", "PEM file with the CA certificates to trust (implies --tls)")
	flags.String("tls-server-name", "", "server name to verify (default host of --server)")

	cmd.AddCommand(
		newClientCallCommand(opts),
		newClientProductsCommand(opts),
		newClientCreateProductCommand(opts),
		newClientDeleteProductCommand(opts),
		newClientVersionsCommand(opts),
		newClientSetVersionCommand(opts),
		newClientCreateLicenseCommand(opts),
		newClientVerifyCommand(opts),
		newClientRevokeCommand(opts),
		newClientRestoreCommand(opts),
		newClientLicensesCommand(opts),
		newClientHistoryCommand(opts),
	)

	return cmd
}

func (o *clientOptions) tlsConfig() (*tls.Config, error) {
	caFile := o.v.GetString("tls-ca")
	if !o.v.GetBool("tls") && caFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.v.GetString("tls-server-name")}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(o.v.GetString("server"))
		if err != nil {
			return nil, fmt.Errorf("server address: %w", err)
		}
		cfg.ServerName = host
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}

		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca %s: no certificates found", caFile)
		}
	}

	return cfg, nil
}

// run connects, calls fn and prints its result as JSON.
func (o *clientOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c *licenseclient.Client) (any, error)) error {
	tlsCfg, err := o.tlsConfig()
	if err != nil {
		return err
	}

	timeout := o.v.GetDuration("timeout")
	cfg := licenseclient.DefaultConfig(o.v.GetString("server"))
	cfg.TLS = tlsCfg
	cfg.ConnectionTimeout = timeout
	cfg.WriteTimeout = timeout
	cfg.RequestTimeout = timeout

	c := licenseclient.New(cfg)
	defer c.Close()

	ctx := cmd.Context()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	result, err := fn(ctx, c)
	if err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), result)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// intArgs parses args as the integers named by names.
func intArgs(args []string, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer, got %q", name, args[i])
		}
		out[i] = n
	}

	return out, nil
}

// licenseArgs parses SERIAL PID VER USERINFO.
func licenseArgs(args []string) (serialNum string, pid, ver int, userInfo string, err error) {
	nums, err := intArgs(args[1:3], "pid", "ver")
	if err != nil {
		return "", 0, 0, "", err
	}

	return args[0], nums[0], nums[1], args[3], nil
}

func newClientCallCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "call REQUEST",
		Short:   "Send a raw JSON request and print the response",
		Example: `  licensesrv client call '{"action":"get_products"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req map[string]any
			if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
				return fmt.Errorf("request: %w", err)
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				raw, err := c.Request(ctx, req)
				if err != nil {
					return nil, err
				}
				return json.RawMessage(raw), nil
			})
		},
	}
}

func newClientProductsCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.GetProducts(ctx)
			})
		},
	}
}

func newClientCreateProductCommand(opts *clientOptions) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "create-product NAME",
		Short: "Create a product, or rename it when --id exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.CreateProduct(ctx, args[0], id)
			})
		},
	}

	cmd.Flags().IntVar(&id, "id", -1, "product ID; negative picks the first free ID")
	return cmd
}

func newClientDeleteProductCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-product ID",
		Short: "Delete a product with its versions and licenses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := intArgs(args, "id")
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				if err := c.DeleteProduct(ctx, nums[0]); err != nil {
					return nil, err
				}
				return map[string]bool{"success": true}, nil
			})
		},
	}
}

func newClientVersionsCommand(opts *clientOptions) *cobra.Command {
	var secrets, downloadable bool
	cmd := &cobra.Command{
		Use:   "versions PID",
		Short: "List the major versions of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := intArgs(args, "pid")
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.GetMajorVersions(ctx, nums[0], downloadable, secrets)
			})
		},
	}

	cmd.Flags().BoolVar(&secrets, "secrets", false, "include the hex encoded version secrets")
	cmd.Flags().BoolVar(&downloadable, "downloadable", false, "only active versions that allow downloads")
	return cmd
}

func newClientSetVersionCommand(opts *clientOptions) *cobra.Command {
	var (
		active bool
		info   string
	)
	cmd := &cobra.Command{
		Use:   "set-version PID VER",
		Short: "Create or update a major version",
		Example: `  licensesrv client set-version 1 2 --active \
    --info '{"product_classes":{"0":"Standard","1":"Pro"},"max_activations":3}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := intArgs(args, "pid", "ver")
			if err != nil {
				return err
			}

			var vi *store.VersionInfo
			if info != "" {
				vi = &store.VersionInfo{}
				if err := json.Unmarshal([]byte(info), vi); err != nil {
					return fmt.Errorf("info: %w", err)
				}
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.SetMajorVersion(ctx, nums[0], nums[1], active, vi)
			})
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "allow verification and new licenses")
	cmd.Flags().StringVar(&info, "info", "", "version info as a JSON object")
	return cmd
}

func newClientCreateLicenseCommand(opts *clientOptions) *cobra.Command {
	var (
		lo      licenseclient.LicenseOptions
		expires string
		noOrder bool
	)
	cmd := &cobra.Command{
		Use:   "create-license PID VER USERINFO",
		Short: "Issue a serial to a user",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := intArgs(args, "pid", "ver")
			if err != nil {
				return err
			}

			if expires != "" {
				lo.Date, err = time.Parse(time.DateOnly, expires)
				if err != nil {
					return fmt.Errorf("expires: %w", err)
				}
				lo.Expires = true
			}
			lo.NoOrderNumber = noOrder

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.CreateLicense(ctx, nums[0], nums[1], args[2], lo)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&expires, "expires", "", "expiry date (YYYY-MM-DD); default never")
	flags.IntVar(&lo.ProductClass, "class", 0, "product class (0-15)")
	flags.IntVar(&lo.MinorVersion, "minor", 0, "minor version")
	flags.IntVar(&lo.CustomBits, "custom-bits", 0, "application defined bits")
	flags.BoolVar(&noOrder, "no-order-number", false, "store the license without an order number")
	flags.StringVar(&lo.Log, "log", "", "history text")
	return cmd
}

func newClientVerifyCommand(opts *clientOptions) *cobra.Command {
	var mode, log string
	cmd := &cobra.Command{
		Use:   "verify SERIAL PID VER USERINFO",
		Short: "Verify a serial, optionally recording an activation or download",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			serialNum, pid, ver, userInfo, err := licenseArgs(args)
			if err != nil {
				return err
			}

			m := licenseclient.VerifyMode(mode)
			switch m {
			case licenseclient.VerifyOnly, licenseclient.Activate, licenseclient.Deactivate, licenseclient.Download:
			default:
				return fmt.Errorf("mode: unknown %q", mode)
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.VerifySerial(ctx, serialNum, pid, ver, userInfo, m, log)
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "activate, deactivate or download")
	cmd.Flags().StringVar(&log, "log", "", "history text")
	return cmd
}

func newClientRevokeCommand(opts *clientOptions) *cobra.Command {
	var log string
	cmd := &cobra.Command{
		Use:   "revoke SERIAL PID VER USERINFO REASON",
		Short: "Revoke a license",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			serialNum, pid, ver, userInfo, err := licenseArgs(args)
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.RevokeLicense(ctx, serialNum, pid, ver, userInfo, args[4], log)
			})
		},
	}

	cmd.Flags().StringVar(&log, "log", "", "history text")
	return cmd
}

func newClientRestoreCommand(opts *clientOptions) *cobra.Command {
	var log string
	cmd := &cobra.Command{
		Use:   "restore SERIAL PID VER USERINFO",
		Short: "Lift a revocation",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			serialNum, pid, ver, userInfo, err := licenseArgs(args)
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				return c.RestoreLicense(ctx, serialNum, pid, ver, userInfo, log)
			})
		},
	}

	cmd.Flags().StringVar(&log, "log", "", "history text")
	return cmd
}

func newClientLicensesCommand(opts *clientOptions) *cobra.Command {
	var (
		q        licenseclient.LicenseQuery
		pid, ver int
		order    string
		revoked  bool
	)
	cmd := &cobra.Command{
		Use:   "licenses",
		Short: "Search licenses",
		Example: `  licensesrv client licenses --userinfo jo@ --like
  licensesrv client licenses --order SHOP2874931-0042
  licensesrv client licenses --revoked --pid 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("pid") {
				q.ProductID = &pid
			}
			if cmd.Flags().Changed("ver") {
				q.MajorVersion = &ver
			}
			if order != "" {
				o, err := licenseclient.ParseOrderNumber(order)
				if err != nil {
					return err
				}
				q.Order = &o
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				if revoked {
					p, v := -1, -1
					if q.ProductID != nil {
						p = pid
					}
					if q.MajorVersion != nil {
						v = ver
					}
					return c.GetRevokedLicenses(ctx, p, v)
				}
				return c.GetLicenses(ctx, q)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&q.SerialNum, "serial", "", "serial number")
	flags.StringVar(&q.UserInfo, "userinfo", "", "user info")
	flags.BoolVar(&q.UserInfoPrefix, "like", false, "match --userinfo as a prefix")
	flags.IntVar(&pid, "pid", 0, "product ID (with --ver)")
	flags.IntVar(&ver, "ver", 0, "major version (with --pid)")
	flags.StringVar(&order, "order", "", "human order number")
	flags.StringVar(&q.Password, "password", "", "only licenses with this password")
	flags.BoolVar(&q.ExcludeRevoked, "exclude-revoked", false, "drop revoked licenses")
	flags.BoolVar(&revoked, "revoked", false, "list revocations instead")
	return cmd
}

func newClientHistoryCommand(opts *clientOptions) *cobra.Command {
	var (
		q        licenseclient.HistoryQuery
		pid, ver int
		add      string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read license history, or append to it with --add",
		Example: `  licensesrv client history --serial abcd-efgh-ijkm-npqr
  licensesrv client history --add "refund issued" --type note \
    --serial abcd-efgh-ijkm-npqr --pid 1 --ver 2 --userinfo jo@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("pid") {
				q.ProductID = &pid
			}
			if cmd.Flags().Changed("ver") {
				q.MajorVersion = &ver
			}

			return opts.run(cmd, func(ctx context.Context, c *licenseclient.Client) (any, error) {
				if cmd.Flags().Changed("add") {
					return c.AddHistory(ctx, q.SerialNum, pid, ver, q.UserInfo, q.Type, add)
				}
				return c.GetHistory(ctx, q)
			})
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&q.ID, "id", 0, "history entry ID")
	flags.StringVar(&q.SerialNum, "serial", "", "serial number")
	flags.StringVar(&q.UserInfo, "userinfo", "", "user info")
	flags.IntVar(&pid, "pid", 0, "product ID (with --ver)")
	flags.IntVar(&ver, "ver", 0, "major version (with --pid)")
	flags.StringVar(&q.Type, "type", "", "entry type")
	flags.StringVar(&add, "add", "", "append this text instead of reading")
	return cmd
}
