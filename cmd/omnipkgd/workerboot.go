package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkgd/pkg/loader"
	"github.com/omnipkg/omnipkgd/pkg/loader/fsresolver"
	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/types"
	"github.com/omnipkg/omnipkgd/pkg/worker"
)

// workerBootCmd is never shown in --help and never invoked by a human:
// it is the child-process entry point processWorker execs on itself,
// named WorkerBootSubcommand so the two sides of the contract stay in
// lockstep.
var workerBootCmd = &cobra.Command{
	Use:    worker.WorkerBootSubcommand + " <spec> <bubble-root>",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	RunE:   runWorkerBoot,
}

func runWorkerBoot(cmd *cobra.Command, args []string) error {
	respFile := os.NewFile(3, "resp")
	if respFile == nil {
		return fmt.Errorf("internal-worker-boot requires fd 3 open")
	}
	enc := json.NewEncoder(respFile)

	spec, err := types.ParseSpec(args[0])
	if err != nil {
		_ = enc.Encode(types.Handshake{Status: "error", Message: err.Error()})
		return err
	}
	bubbleRoot := args[1]
	mainSiteDir := os.Getenv("OMNIPKG_MAIN_SITE_DIR")
	mainMetaDir := os.Getenv("OMNIPKG_MAIN_META_DIR")

	log := obslog.WithWorker(os.Getpid())

	resolver := fsresolver.New(
		[]string{bubbleRoot, mainSiteDir},
		[]string{bubbleRoot, mainMetaDir},
	)
	ld, err := loader.New(loader.Config{
		Resolver:    resolver,
		MainSiteDir: mainSiteDir,
		MainMetaDir: mainMetaDir,
	})
	if err != nil {
		_ = enc.Encode(types.Handshake{Status: "error", Message: err.Error()})
		return err
	}

	scope, err := ld.Activate(spec, bubbleRoot, bubbleRoot)
	if err != nil {
		_ = enc.Encode(types.Handshake{Status: "error", Message: err.Error()})
		return err
	}
	defer func() {
		if err := scope.Exit(); err != nil {
			log.Warn().Err(err).Msg("scope exit failed")
		}
	}()

	if err := enc.Encode(types.Handshake{Status: "ready"}); err != nil {
		return err
	}

	log.Info().Str("spec", spec.String()).Str("bubble_root", bubbleRoot).Msg("worker activated")

	executor := worker.InterpreterExecutor{PythonPath: resolver.SearchPaths()}
	return workerBootLoop(os.Stdin, enc, resolver, executor)
}

// workerBootLoop reads one JSON Request per line from stdin and writes
// one JSON Response per line to out, until stdin reaches EOF (the
// parent died) or a shutdown request arrives.
func workerBootLoop(in io.Reader, enc *json.Encoder, resolver *fsresolver.Resolver, executor worker.InterpreterExecutor) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var req types.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(types.Response{Success: false, Error: err.Error()})
			continue
		}

		switch req.Type {
		case types.RequestShutdown:
			_ = enc.Encode(types.Response{Success: true})
			return nil
		case types.RequestGetVersion:
			version, ok := resolver.Version(req.Package)
			if !ok {
				_ = enc.Encode(types.Response{Success: false, Error: "package not resolvable: " + req.Package})
				continue
			}
			_ = enc.Encode(types.Response{Success: true, Version: version})
		case types.RequestExecute:
			_ = enc.Encode(executeCode(executor, req.Code))
		default:
			_ = enc.Encode(types.Response{Success: false, Error: "unknown request type: " + string(req.Type)})
		}
	}
	return scanner.Err()
}

// executeCode runs req.Code through executor, against this worker's
// activated bubble root, and reports its captured stdout.
func executeCode(executor worker.InterpreterExecutor, code string) types.Response {
	stdout, err := executor.Execute(context.Background(), code)
	if err != nil {
		return types.Response{Success: false, Stdout: stdout, Error: err.Error()}
	}
	return types.Response{Success: true, Stdout: stdout}
}
