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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/maps"
)

// mapsCmd represents the maps command
var mapsCmd = &cobra.Command{
	Use:   "maps <traceePID>",
	Short: "打印进程的内存映射",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		loader, err := newLoader()
		if err != nil {
			return err
		}
		ms, err := maps.ReadProcMaps(pid, loader.Load)
		if err != nil {
			return err
		}
		withBias, _ := cmd.Flags().GetBool("load-bias")
		for _, info := range ms.All() {
			if !withBias {
				fmt.Println(info)
				continue
			}
			fmt.Printf("%s load_bias=%#x\n", info, info.LoadBias())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mapsCmd)
	mapsCmd.Flags().BoolP("load-bias", "b", false, "open the images and show their load bias")
}
