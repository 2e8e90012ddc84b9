// steertrain trains the steering-angle network on preprocessed camera images.
//
// Usage:
//
//	steertrain train --batch 256 --epoch 4 --epochsize 10000 --destfile models/generator_11
//	steertrain preview --out plots
//	steertrain summary --rows 100 --cols 320
//
// Logging flags (-v, --logtostderr, ...) are the klog ones.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/Noofbiz/steering/model"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var rootCmd = &cobra.Command{
	Use:   "steertrain",
	Short: "Steering angle trainer",
	Long:  `Trains a convolutional network mapping dashboard-camera images to steering angles, fed by an augmented batch stream.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("running the root command, see help or -h for available commands\n")
	},
	SilenceUsage: true,
}

var summaryRows, summaryCols int

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the layers, output shapes and parameter counts of the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		arch := model.SteeringCNN().WithInput(summaryRows, summaryCols)
		if err := arch.Validate(); err != nil {
			return err
		}
		fmt.Println(arch.Summary())
		return nil
	},
}

func init() {
	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().IntVar(&summaryRows, "rows", model.DefaultRows, "Image rows")
	summaryCmd.Flags().IntVar(&summaryCols, "cols", model.DefaultCols, "Image columns")

	initTrain()
	initPreview()
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
