package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"leadflow/internal/app"
	"leadflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "CRM automation engine",
	Long: `leadflow consumes CRM domain events, runs tenant automation rules,
resumes delayed action chains and redistributes leads whose SLA expired.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("LEADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Println("Error reading config file:", err)
		}
	}
}

// bootstrap loads config, opens and migrates the database and assembles the engine.
func bootstrap() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logrus.StandardLogger()

	db, err := app.OpenDB(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := app.Migrate(db); err != nil {
		return nil, err
	}
	return app.New(cfg, db, log)
}
