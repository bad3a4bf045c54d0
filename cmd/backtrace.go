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
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/target"
	"github.com/hitzhangjie/gounwind/pkg/unwind"
)

// backtraceCmd represents the backtrace command
var backtraceCmd = &cobra.Command{
	Use:     "backtrace <traceePID>",
	Short:   "打印进程所有线程的调用栈",
	Long:    `附加到进程，展开所有线程的调用栈并打印，然后detach`,
	Aliases: []string{"bt"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := attach(args[0])
		if err != nil {
			return err
		}
		target.DBPProcess = p
		defer func() {
			if err := p.Detach(); err != nil {
				logrus.Warnf("detach %d: %v", p.Pid, err)
			}
			p.StopPtrace()
			target.DBPProcess = nil
		}()

		bts, err := p.BacktraceAll(context.Background(), backtraceOptions())
		if err != nil {
			return err
		}
		fmt.Printf("pid: %d, cmd: %s\n", p.Pid, p.Command)
		for _, bt := range bts {
			fmt.Printf("\nthread %d:\n", bt.Tid)
			printBacktrace(bt.Unwinder)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backtraceCmd)
}

func printBacktrace(u *unwind.Unwinder) {
	for i := 0; i < u.NumFrames(); i++ {
		fmt.Println(u.FormatFrame(i))
	}
	if err := u.LastError(); err != nil {
		fmt.Printf("  unwind stopped: %v\n", err)
	}
	if w := u.Warnings(); w != unwind.WarningNone {
		fmt.Printf("  warnings: %s\n", w)
	}
}
