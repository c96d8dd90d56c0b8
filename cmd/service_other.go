//go:build !windows

package main

import "context"

func runServe(ctx context.Context, start func(context.Context) error) error {
	return start(ctx)
}
