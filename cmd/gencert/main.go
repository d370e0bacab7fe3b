// gencert creates device certificates through the certificate manager:
// a self-signed pair (default), a CSR (--csr), or a CA signature over an
// existing CSR (--sign).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/joncooperworks/devicetrust/certs"
	"github.com/joncooperworks/devicetrust/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dir        string
		req        certs.Request
		csr        bool
		signPath   string
		caCert     string
		caKey      string
	)
	flags := pflag.NewFlagSet("gencert", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", os.Getenv(config.EnvVar), "devicetrust config file")
	flags.StringVar(&dir, "dir", "", "output directory (default: paths.certs)")
	flags.StringVar(&req.Subject.CommonName, "cn", "", "subject common name")
	flags.StringVar(&req.Subject.Organization, "org", "", "subject organization")
	flags.StringVar(&req.Subject.OrganizationalUnit, "ou", "", "subject organizational unit")
	flags.StringVar(&req.Subject.Country, "country", "", "subject country")
	flags.StringSliceVar(&req.SAN, "san", nil, "subject alternative names (DNS, IP or email)")
	flags.IntVar(&req.Days, "days", certs.DefaultDays, "validity in days")
	flags.IntVar(&req.KeySize, "key-size", certs.DefaultKeySize, "RSA key size in bits")
	flags.StringVar(&req.Name, "name", "", "file prefix (default: common name)")
	flags.BoolVar(&csr, "csr", false, "create a CSR instead of a self-signed certificate")
	flags.StringVar(&signPath, "sign", "", "sign this CSR with --ca-cert and --ca-key")
	flags.StringVar(&caCert, "ca-cert", "", "CA certificate for --sign")
	flags.StringVar(&caKey, "ca-key", "", "CA private key for --sign")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir == "" {
		dir = cfg.Paths.Certs
	}

	opts := cfg.ManagerOptions(logger)
	if caCert != "" || caKey != "" {
		opts = append(opts, certs.WithCA(caCert, caKey))
	}
	manager, err := certs.NewManager(dir, opts...)
	if err != nil {
		return fmt.Errorf("failed to open certificate directory: %w", err)
	}

	ctx := context.Background()
	switch {
	case signPath != "":
		certPath, err := manager.SignCSR(ctx, signPath, req.Days)
		if err != nil {
			return err
		}
		fmt.Printf("Certificate signed:\n  Certificate: %s\n", certPath)
	case csr:
		pair, err := manager.GenerateCSR(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("CSR generated:\n  Request: %s\n  Private key: %s\n", pair.CertPath, pair.KeyPath)
	default:
		pair, err := manager.GenerateSelfSigned(ctx, req)
		if err != nil {
			return err
		}
		info, err := manager.CertificateInfo(pair.CertPath)
		if err != nil {
			return err
		}
		fmt.Printf("Certificate generated:\n  Certificate: %s\n  Private key: %s\n  Fingerprint: %s\n  Expires: %s\n",
			pair.CertPath, pair.KeyPath, info.FingerprintSHA256, info.NotAfter.Format("2006-01-02"))
	}
	return nil
}
