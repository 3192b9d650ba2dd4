package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/platform"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/server"
	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "securityd",
	Short: "Security service for the FractOwn record system",
	Long: `securityd serves the admin authentication, two-factor, field and file
encryption APIs. The two key planes come from the environment:

  MASTER_ENCRYPTION_KEY   session plane (authenticator secrets, audit seal)
  ENCRYPTION_KEY          data plane (record fields, file content)

Both must be at least 32 characters and must differ; the process refuses
to start otherwise. Everything else can come from flags, FRACTOWN_*
environment variables or a YAML config file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default ./securityd.yaml)")
	rootCmd.Flags().String("addr", ":8080", "listen address")
	rootCmd.Flags().String("mongo-uri", "", "MongoDB connection URI")
	rootCmd.Flags().String("mongo-db", "fractown", "MongoDB database name")
	rootCmd.Flags().String("blob-backend", "mongo", "blob backend: mongo, s3 or file")
	rootCmd.Flags().String("blob-dir", "./blobs", "directory for the file blob backend")
	rootCmd.Flags().String("audit-path", "", "append-only audit log file")
	rootCmd.Flags().String("alert-email", "", "destination for security alert mail")

	rootCmd.Flags().String("s3-endpoint", "", "S3 endpoint")
	rootCmd.Flags().String("s3-bucket", "", "S3 bucket")
	rootCmd.Flags().String("s3-access-key", "", "S3 access key id")
	rootCmd.Flags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.Flags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.Flags().String("s3-prefix", "", "S3 object key prefix")
	rootCmd.Flags().Bool("s3-use-ssl", true, "use TLS for S3")

	bindFlag("addr", "addr")
	bindFlag("mongo.uri", "mongo-uri")
	bindFlag("mongo.db", "mongo-db")
	bindFlag("blob.backend", "blob-backend")
	bindFlag("blob.dir", "blob-dir")
	bindFlag("audit.path", "audit-path")
	bindFlag("alert.email", "alert-email")
	bindFlag("s3.endpoint", "s3-endpoint")
	bindFlag("s3.bucket", "s3-bucket")
	bindFlag("s3.access_key", "s3-access-key")
	bindFlag("s3.secret_key", "s3-secret-key")
	bindFlag("s3.region", "s3-region")
	bindFlag("s3.prefix", "s3-prefix")
	bindFlag("s3.use_ssl", "s3-use-ssl")
}

func bindFlag(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.Flags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", flagName, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fractown")
		viper.SetConfigType("yaml")
		viper.SetConfigName("securityd")
	}

	viper.SetEnvPrefix("FRACTOWN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "[securityd] ", log.LstdFlags)

	if err := platform.DisableCoreDumps(); err != nil {
		logger.Printf("core dumps: %v", err)
	}

	cfg := server.Config{
		Addr:        viper.GetString("addr"),
		MongoURI:    viper.GetString("mongo.uri"),
		MongoDB:     viper.GetString("mongo.db"),
		BlobBackend: viper.GetString("blob.backend"),
		BlobDir:     viper.GetString("blob.dir"),
		AuditPath:   viper.GetString("audit.path"),
		AlertEmail:  viper.GetString("alert.email"),

		// The key planes keep their legacy environment names on purpose;
		// deployments set these outside the FRACTOWN_* namespace.
		MasterKey: os.Getenv("MASTER_ENCRYPTION_KEY"),
		FieldKey:  os.Getenv("ENCRYPTION_KEY"),

		S3: storage.S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
			KeyPrefix: viper.GetString("s3.prefix"),
			UseSSL:    viper.GetBool("s3.use_ssl"),
		},
		SMTP: server.SMTPConfig{
			Host:     viper.GetString("smtp.host"),
			Port:     viper.GetString("smtp.port"),
			User:     viper.GetString("smtp.user"),
			Pass:     viper.GetString("smtp.pass"),
			From:     viper.GetString("smtp.from"),
			Security: viper.GetString("smtp.security"),
			ResetURL: viper.GetString("smtp.reset_url"),
		},
	}
	if ttl := viper.GetDuration("token.ttl"); ttl > 0 {
		cfg.TokenTTL = ttl
	}
	if fields := viper.GetStringSlice("encrypted_fields"); len(fields) > 0 {
		cfg.EncryptedFields = fields
	}
	if err := viper.UnmarshalKey("seed_admins", &cfg.SeedAdmins); err != nil {
		return fmt.Errorf("seed_admins: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.StartSweeper(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Printf("listening on %s", cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Printf("shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
