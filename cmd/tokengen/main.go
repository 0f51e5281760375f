package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/conf"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:   "tokengen",
		Short: "Mint and inspect submfeed access tokens",
	}

	var confPath string
	var username string
	var userUuid string
	var scopes []string
	var out string

	var pairCmd = &cobra.Command{
		Use:   "pair",
		Short: "Issue an access and refresh token pair",
		Run: func(cmd *cobra.Command, args []string) {
			issuer, err := loadIssuer(confPath)
			if err != nil {
				log.Fatal(err)
			}
			if userUuid == "" {
				userUuid = uuid.NewString()
			}
			pair, err := issuer.IssuePair(username, userUuid, scopes...)
			if err != nil {
				log.Fatal(err)
			}
			if err := writePair(pair, out); err != nil {
				log.Fatal(err)
			}
		},
	}
	pairCmd.Flags().StringVarP(&confPath, "config", "c", os.Getenv("SUBMFEED_CONFIG"), "Server config file (jwt key source)")
	pairCmd.Flags().StringVarP(&username, "user", "u", "", "Username placed in the token (required)")
	pairCmd.Flags().StringVar(&userUuid, "uuid", "", "User UUID, random when empty")
	pairCmd.Flags().StringSliceVarP(&scopes, "scope", "s", []string{auth.ScopeStream}, "Scopes [stream, judge]")
	pairCmd.Flags().StringVarP(&out, "out", "o", "", "Write the pair to this file instead of stdout")
	pairCmd.MarkFlagRequired("user")

	var inspectCmd = &cobra.Command{
		Use:   "inspect <token>",
		Short: "Print the claims of a token and verify it when a key is available",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exp, ok := auth.ExpiryOf(args[0])
			if !ok {
				log.Fatal("not a jwt with an exp claim")
			}
			fmt.Printf("expires: %s (in %s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))

			issuer, err := loadIssuer(confPath)
			if err != nil {
				fmt.Printf("signature not checked: %v\n", err)
				return
			}
			claims, err := issuer.Validate(args[0])
			if err != nil {
				fmt.Printf("invalid: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("valid: user=%s uuid=%s scopes=%v\n", claims.Username, claims.UUID, claims.Scopes)
		},
	}
	inspectCmd.Flags().StringVarP(&confPath, "config", "c", os.Getenv("SUBMFEED_CONFIG"), "Server config file (jwt key source)")

	rootCmd.AddCommand(pairCmd, inspectCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadIssuer(confPath string) (*auth.Issuer, error) {
	cfg, err := conf.LoadServerConf(confPath)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	var key []byte
	if cfg.JwtKey == "" {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		key, err = cfg.ResolveJwtKey(ctx, secretsmanager.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
	} else {
		key = []byte(cfg.JwtKey)
	}
	return auth.NewIssuer(key, cfg.AccessTTL.Duration, cfg.RefreshTTL.Duration), nil
}

func writePair(pair auth.TokenPair, path string) error {
	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, data, 0o600)
}
