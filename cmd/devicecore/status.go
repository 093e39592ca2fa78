package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/api/grpcapi"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func newStatusCmd() *cobra.Command {
	var (
		flagAddr  string
		flagToken string
		flagWatch bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the backend status of a running server over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(flagAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()

			client := grpcapi.NewClient(conn)
			var opts []grpc.CallOption
			if flagToken != "" {
				opts = append(opts, grpcapi.BearerToken(flagToken))
			}

			out := cmd.OutOrStdout()
			if !flagWatch {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				status, err := client.GetStatus(ctx, opts...)
				if err != nil {
					return err
				}
				return printMessage(out, status, true)
			}

			stream, err := client.WatchStatus(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			for {
				status, err := stream.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := printMessage(out, status, false); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "localhost:50051", "gRPC address of the server")
	cmd.Flags().StringVar(&flagToken, "token", "", "bearer token (JWT or machine token) when auth is enabled")
	cmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "print every status change until interrupted")
	return cmd
}

func printMessage(w io.Writer, m proto.Message, multiline bool) error {
	data, err := protojson.MarshalOptions{Multiline: multiline}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
