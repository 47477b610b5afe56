package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/aponysus/ferry/controlplane"
	integration "github.com/aponysus/ferry/integrations/grpc"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
)

func main() {
	fast := policy.RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}
	o := retry.New(retry.WithProvider(&controlplane.StaticProvider{Default: &fast}))
	interceptor := integration.UnaryClientInterceptor(o, nil)

	conn, err := grpc.NewClient("localhost:50051",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(interceptor),
	)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	fmt.Println("gRPC client initialized. (This example requires a running server to execute real calls).")
	fmt.Println("Simulating call to /Greeter/SayHello...")

	attempts := 0
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		attempts++
		fmt.Printf(" - Attempt %d...", attempts)
		if attempts < 3 {
			fmt.Println(" Failed (Unavailable)")
			return status.Error(codes.Unavailable, "transient failure")
		}
		fmt.Println(" Success!")
		return nil
	}

	if err := interceptor(context.Background(), "/Greeter/SayHello", "req", "resp", conn, invoker); err != nil {
		fmt.Printf("Final result: Failed (%v)\n", err)
		return
	}
	fmt.Println("Final result: Success")
}
