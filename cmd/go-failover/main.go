package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:     "go-failover",
	Short:   "go-failover",
	Long:    "go-failover watches a MySQL primary and promotes a replacement when a quorum of the tier agrees it is gone",
	Version: "1.0.0",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		return run()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().Uint32("service-id", 0, "service id of this process in the tier")
	rootCmd.PersistentFlags().String("addr", "", "local MySQL address")
	rootCmd.PersistentFlags().String("http-addr", "", "status and params HTTP address")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("service-id", rootCmd.PersistentFlags().Lookup("service-id"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("http-addr", rootCmd.PersistentFlags().Lookup("http-addr"))

	rootCmd.PersistentFlags().Bool("enabled", true, "run failover checks")
	rootCmd.PersistentFlags().Bool("elect-on-shutdown", false, "run one election when the process stops")
	rootCmd.PersistentFlags().Int("failure-threshold", 0, "failed checks tolerated before asking peers")
	rootCmd.PersistentFlags().Duration("polling-interval", 0, "time between health checks")
	rootCmd.PersistentFlags().Duration("cooldown", 0, "minimum time between elections")
	_ = viper.BindPFlag("enabled", rootCmd.PersistentFlags().Lookup("enabled"))
	_ = viper.BindPFlag("elect-on-shutdown", rootCmd.PersistentFlags().Lookup("elect-on-shutdown"))
	_ = viper.BindPFlag("failure-threshold", rootCmd.PersistentFlags().Lookup("failure-threshold"))
	_ = viper.BindPFlag("polling-interval", rootCmd.PersistentFlags().Lookup("polling-interval"))
	_ = viper.BindPFlag("cooldown", rootCmd.PersistentFlags().Lookup("cooldown"))

	rootCmd.PersistentFlags().String("log-level", "", "debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-format", "", "text | json")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetEnvPrefix("FAILOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go-failover: %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
}
