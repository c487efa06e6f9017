package cmd

import (
	"context"
	stdtls "crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/tls"
)

const appVersion = "0.3.1"

var (
	cfgFile      string
	serverURL    string
	apiToken     string
	outputFormat string
	verbose      bool
	tlsCAFile    string
	tlsCertFile  string
	tlsKeyFile   string

	// clientTLS is built once from the TLS flags before any command runs.
	clientTLS *stdtls.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fetchq",
	Short: "CLI for the fetchq media download manager",
	Long: `fetchq manages media download jobs on a local backend: submitting
URLs, watching progress live, driving playlist selection, and supervising
the backend process itself.`,
	Version:      appVersion,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if tlsCAFile == "" && tlsCertFile == "" && tlsKeyFile == "" {
			return nil
		}
		cfg, err := tls.ClientConfig(tlsCAFile, tlsCertFile, tlsKeyFile)
		if err != nil {
			return err
		}
		clientTLS = cfg
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fetchq/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend API URL (default from config or http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "backend API token (default from config or FETCHQ_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&tlsCAFile, "tls-ca", "", "CA certificate for verifying an HTTPS backend")
	rootCmd.PersistentFlags().StringVar(&tlsCertFile, "tls-cert", "", "client certificate for mutual TLS")
	rootCmd.PersistentFlags().StringVar(&tlsKeyFile, "tls-key", "", "client key for mutual TLS")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(fetchqDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	// Bind specific environment variables
	viper.BindEnv("server_url", "FETCHQ_SERVER")
	viper.BindEnv("token", "FETCHQ_TOKEN")

	// Config file is optional; flags and env still apply without one.
	viper.ReadInConfig()

	if serverURL == "" && viper.GetString("server_url") != "" {
		serverURL = viper.GetString("server_url")
	}
	if apiToken == "" && viper.GetString("token") != "" {
		apiToken = viper.GetString("token")
	}

	if serverURL == "" {
		serverURL = "http://127.0.0.1:8080"
	}
}

// fetchqDir returns the per-user configuration directory.
func fetchqDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".fetchq")
}

// GetServerURL returns the configured backend URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// GetToken returns the configured API token
func GetToken() string {
	return apiToken
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func newLogger() *logging.Logger {
	level := logging.INFO
	if verbose {
		level = logging.DEBUG
	}
	return logging.NewLogger(level, false)
}

// newAPIClient builds a backend client from the resolved configuration.
func newAPIClient() *client.Client {
	var c *client.Client
	if clientTLS != nil {
		c = client.NewClientWithTLS(GetServerURL(), auth.NewTokenHolder(GetToken()), clientTLS)
	} else {
		c = client.NewClient(GetServerURL(), auth.NewTokenHolder(GetToken()))
	}
	c.SetLogger(newLogger())
	return c
}

// commandContext bounds one-shot API calls.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
