package throttle_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/adamwoolhether/agenthttp/throttle"
)

func ExampleNew() {
	l, err := throttle.New(
		10, // requests per second
		5,  // burst capacity
		func() *slog.Logger { return slog.Default() },
	)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := l.Wait(context.Background(), "/v1/items"); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("token acquired")
	// Output: token acquired
}

func ExampleNewReader() {
	r := throttle.NewReader(context.Background(), strings.NewReader("hello"), 1<<20)

	b, _ := io.ReadAll(r)
	fmt.Println(string(b))
	// Output: hello
}
