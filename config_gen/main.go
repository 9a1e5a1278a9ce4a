/*
Package main in the directory config_gen reads a cluster template and writes
one configuration file per node, including its ED25519 key pair and its
threshold signature share.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gitzhang10/seqbft/sign"
)

func judgeWhetherInSlice(i int, b []int) bool {
	for _, v := range b {
		if i == v {
			return true
		}
	}
	return false
}

func generateRandomNumber(nodeNum int, faultyNum int) []int {
	var nums []int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(nums) < faultyNum && len(nums) < nodeNum {
		num := r.Intn(nodeNum)
		// discard duplicates
		if !judgeWhetherInSlice(num, nums) {
			nums = append(nums, num)
		}
	}
	return nums
}

// copied verbatim from the template into every node file
var passThrough = []string{
	"max_pool", "batch_size", "tx_size", "chunk_size", "log_level", "mode", "data_dir", "peer_wait",
	"timeouts", "max_future_rounds", "future_height_limit", "future_message_limit", "stream",
}

func main() {
	var templateName, templateDir, outDir string
	logger := hclog.New(&hclog.LoggerOptions{Name: "config-gen", Output: hclog.DefaultOutput})
	cmd := &cobra.Command{
		Use:          "config_gen",
		Short:        "Generate per-node configuration files from a template",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return generate(logger, templateName, templateDir, outDir)
		},
	}
	cmd.Flags().StringVar(&templateName, "template", "config_template", "template file name without extension")
	cmd.Flags().StringVar(&templateDir, "template-dir", "./", "directory holding the template")
	cmd.Flags().StringVar(&outDir, "out", "./", "directory the node files are written to")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func generate(logger hclog.Logger, templateName, templateDir, outDir string) error {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	viperRead.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperRead.SetConfigName(templateName)
	viperRead.AddConfigPath(templateDir)
	if err := viperRead.ReadInConfig(); err != nil {
		return err
	}

	clusterIPs := make(map[string]string)
	for name, addr := range viperRead.GetStringMap("ips") {
		addrAsString, ok := addr.(string)
		if !ok {
			return fmt.Errorf("address of %s cannot be decoded", name)
		}
		clusterIPs[name] = addrAsString
	}
	names := make([]string, 0, len(clusterIPs))
	for name := range clusterIPs {
		if _, err := strconv.Atoi(strings.TrimPrefix(name, "node")); err != nil {
			return fmt.Errorf("node name %q must be node<index>", name)
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(names[i], "node"))
		b, _ := strconv.Atoi(strings.TrimPrefix(names[j], "node"))
		return a < b
	})
	nodeNumber := len(names)

	p2pPorts := make(map[string]int, nodeNumber)
	portTemplate := viperRead.GetStringMap("peers_p2p_port")
	for _, name := range names {
		port, ok := portTemplate[name].(int)
		if !ok {
			return fmt.Errorf("p2p port of %s is missing or not an int", name)
		}
		p2pPorts[name] = port
	}

	weights := make(map[string]int, nodeNumber)
	weightTemplate := viperRead.GetStringMap("weights")
	for _, name := range names {
		weights[name] = 1
		if w, ok := weightTemplate[name].(int); ok {
			weights[name] = w
		}
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range names {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys, shares indexed by node order
	numT := nodeNumber - (nodeNumber-1)/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		return fmt.Errorf("fail encode the TSPublicKey: %w", err)
	}

	faultyNode := generateRandomNumber(nodeNumber, viperRead.GetInt("faulty_number"))
	logger.Info("generating configuration", "nodes", nodeNumber, "ts_threshold", numT, "faulty", faultyNode)
	metricsPort := viperRead.GetInt("metrics_port")

	for i, name := range names {
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			return fmt.Errorf("fail encode the share: %w", err)
		}
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s/%s.yaml", strings.TrimSuffix(outDir, "/"), name))
		for _, key := range passThrough {
			if viperRead.IsSet(key) {
				viperWrite.Set(key, viperRead.Get(key))
			}
		}
		viperWrite.Set("name", name)
		viperWrite.Set("peers_p2p_port", p2pPorts)
		viperWrite.Set("cluster_ips", clusterIPs)
		viperWrite.Set("weights", weights)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("ts_threshold", numT)
		viperWrite.Set("is_faulty", judgeWhetherInSlice(i, faultyNode))
		if metricsPort > 0 {
			viperWrite.Set("metrics_addr", ":"+strconv.Itoa(metricsPort+i))
		}
		if err := viperWrite.WriteConfig(); err != nil {
			return err
		}
		logger.Debug("wrote configuration", "node", name)
	}
	return nil
}
