/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/cmd/debug"
	"github.com/hitzhangjie/gounwind/pkg/target"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach <traceePID>",
	Short: "附加到运行中进程，进入交互式会话",
	Long:  `附加到运行中进程，停止所有线程，然后在交互式会话中查看各线程调用栈`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := attach(args[0])
		if err != nil {
			return err
		}
		target.DBPProcess = p
		return nil
	},
	PostRun: func(cmd *cobra.Command, args []string) {
		// the tracee keeps running after the session, it is detached in Cleanup
		debug.CurrentSession = debug.NewDebugSession(target.DBPProcess, backtraceOptions()).AtExit(debug.Cleanup)
		debug.CurrentSession.Start()
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func parsePid(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("%s invalid traceePID", arg)
	}
	return pid, nil
}

func attach(arg string) (*target.Process, error) {
	pid, err := parsePid(arg)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader()
	if err != nil {
		return nil, err
	}
	return target.Attach(pid, loader)
}
