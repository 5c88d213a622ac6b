package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"path"
	"strconv"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/client"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/httpboot"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	host       = kingpin.Arg("host", "The host to request from (hostname or IPv4 address).").ResolvedIP()
	serverMode = kingpin.Flag("server", "Server mode: serve read requests from any host. Operate in client mode if “-s” is not specified.").Short('s').Default("false").Bool()
	port       = kingpin.Flag("port", "Specify the port number to use (use 69 as default if not given).").Default("69").Short('t').Int()
	markovP    = kingpin.Flag("p", "Specify the loss probabilities for the Markov chain model.").Short('p').Default("0").Float64()
	markovQ    = kingpin.Flag("q", "Specify the loss probabilities for the Markov chain model.").Short('q').Default("0").Float64()
	fileDir    = kingpin.Flag("file-dir", "Server: Specify the directory containing the files that the server should serve. Client: Specify the directory where the requested files will be saved").Short('d').Default("./").ExistingDir()
	blockSize  = kingpin.Flag("block-size", "Client: the block size to negotiate. Server: the largest block size granted.").Default("512").Int()
	timeout    = kingpin.Flag("timeout", "Retransmission timeout in seconds.").Default("3").Int()
	retries    = kingpin.Flag("retries", "Number of retransmissions before a transfer is given up.").Default("5").Int()
	multicast  = kingpin.Flag("multicast", "Client: ask the server for a multicast download.").Default("false").Bool()
	tsize      = kingpin.Flag("tsize", "Client: ask the server for the file size.").Default("false").Bool()
	useHTTP    = kingpin.Flag("http", "Client: fetch the files from http://host:port/ instead of using TFTP.").Default("false").Bool()
	files      = kingpin.Arg("files", "The name of the file(s) to fetch.").Default("").Strings()
)

func main() {
	kingpin.Parse()

	// check that p and q are valid
	if *markovP > 1 || *markovP < 0 || *markovQ > 1 || *markovQ < 0 {
		fmt.Println("error: p and/or q values for the markov chain are invalid")
		os.Exit(1)
	}
	if *host == nil {
		fmt.Println("error: When running in client mode, a server IP/hostname must be provided! When running in server mode a host ip must be provided!")
		os.Exit(1)
	}
	if *blockSize < messages.MinBlockSize || *blockSize > messages.MaxBlockSize {
		fmt.Printf("error: block size must be between %d and %d\n", messages.MinBlockSize, messages.MaxBlockSize)
		os.Exit(1)
	}
	if *timeout < 1 || *timeout > math.MaxUint8 {
		fmt.Printf("error: timeout must be between 1 and %d seconds\n", math.MaxUint8)
		os.Exit(1)
	}
	if *retries < 0 {
		fmt.Println("error: retries must not be negative")
		os.Exit(1)
	}

	fmt.Printf("Host: %s, Server Mode: %t, port: %d, markovP: %f markovQ: %f, file-dir: %s, files: %s\n", *host, *serverMode, *port, *markovP, *markovQ, *fileDir, *files)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *serverMode { /* server mode */
		if *fileDir == "" {
			*fileDir = "./"
		}

		log.Println("Starting server")

		s, err := server.Init(*host, *port, *fileDir, uint16(*blockSize), *markovP, *markovQ)
		if err != nil {
			log.Panicf(`Error creating server: %v`, err)
		}
		defer s.Conn.Close()
		s.Retries = *retries

		close := make(chan bool)
		go func() {
			<-ctx.Done()
			s.StopListening(close)
		}()
		if err := s.Listen(close); err != nil {
			log.Printf("server stopped: %v", err)
		}

	} else { /* client mode */
		if len(*files) < 1 || (*files)[0] == "" {
			fmt.Println("error: When running in client mode, at least one file name must be provided!")
			os.Exit(1)
		}

		clientConfig := client.DefaultConfig
		clientConfig.MarkovP = *markovP
		clientConfig.MarkovQ = *markovQ
		clientConfig.Timeout = uint8(*timeout)
		clientConfig.Retries = *retries
		if *retries == 0 {
			clientConfig.Retries = -1
		}
		clientConfig.Multicast = *multicast
		clientConfig.TransferSize = *tsize
		if *blockSize != messages.DefaultBlockSize {
			clientConfig.BlockSize = uint16(*blockSize)
		}

		// Request files sequentially
		failed := false
		for _, file := range *files {
			if err := fetchFile(ctx, file, &clientConfig); err != nil {
				fmt.Printf("File request for %q failed: %v\n", file, err)
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
	}
}

func fetchFile(ctx context.Context, file string, cfg *client.Config) error {
	out, err := os.Create(path.Join(*fileDir, path.Base(file)))
	if err != nil {
		return err
	}
	defer out.Close()

	var n int64
	if *useHTTP {
		url := "http://" + net.JoinHostPort((*host).String(), strconv.Itoa(*port)) + "/" + file
		n, err = httpboot.Fetch(ctx, url, out)
	} else {
		var size uint64
		size, err = client.RequestFile(ctx, (*host).String(), *port, file, out, cfg)
		n = int64(size)
	}
	if err != nil {
		return err
	}
	log.Printf("Received %q, %d bytes", file, n)
	return nil
}
