package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/api/rpc"
	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

var (
	serverAddr       string
	accessToken      string
	calibrateTarget  string
	calibrateTimeout time.Duration

	tokenName        string
	tokenPermissions []string

	calibrateCmd = &cobra.Command{
		Use:   "calibrate",
		Short: "Run a calibration on a running m2kd over gRPC",
		RunE:  runCalibrate,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the argon2id hash of a password for auth.users",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashPassword,
	}

	genTokenCmd = &cobra.Command{
		Use:   "gen-token",
		Short: "Generate an API token and the auth.api_tokens entry that accepts it",
		RunE:  runGenToken,
	}
)

func init() {
	calibrateCmd.Flags().StringVar(&serverAddr, "server", "localhost:50051", "gRPC address of m2kd")
	calibrateCmd.Flags().StringVar(&accessToken, "token", os.Getenv("M2KD_TOKEN"), "bearer token (access or API token)")
	calibrateCmd.Flags().StringVar(&calibrateTarget, "target", "all", "adc, dac or all")
	calibrateCmd.Flags().DurationVar(&calibrateTimeout, "timeout", 2*time.Minute, "give up after this long")

	genTokenCmd.Flags().StringVar(&tokenName, "name", "", "token name")
	genTokenCmd.Flags().StringSliceVar(&tokenPermissions, "permissions", []string{string(auth.PermOperator)}, "granted permissions")
	genTokenCmd.MarkFlagRequired("name")
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), calibrateTimeout)
	defer cancel()
	if accessToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+accessToken)
	}

	req, err := structpb.NewStruct(map[string]any{"target": calibrateTarget})
	if err != nil {
		return err
	}
	st, err := rpc.NewInstrumentClient(conn).Calibrate(ctx, req)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(st)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.NewPasswordHasher(auth.DefaultPasswordParams).HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

type tokenEntry struct {
	Name        string   `yaml:"name"`
	TokenHash   string   `yaml:"token_hash"`
	Permissions []string `yaml:"permissions"`
}

func runGenToken(cmd *cobra.Command, args []string) error {
	for _, p := range tokenPermissions {
		switch auth.Permission(p) {
		case auth.PermOperator, auth.PermTechnician, auth.PermAdmin:
		default:
			return fmt.Errorf("unknown permission %q", p)
		}
	}

	token, hash, err := auth.GenerateAPIToken()
	if err != nil {
		return err
	}
	entry, err := yaml.Marshal(map[string][]tokenEntry{
		"api_tokens": {{Name: tokenName, TokenHash: hash, Permissions: tokenPermissions}},
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "token: %s\n\n", token)
	fmt.Fprintln(w, "# add under auth: in the config file")
	fmt.Fprint(w, string(entry))
	return nil
}
