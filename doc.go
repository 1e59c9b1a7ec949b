// Package modhost hosts message bus modules written as guest classes.
//
// # Overview
//
// A gateway loads a list of modules and connects them through a broker. A
// module published by the [host] loader is a guest class running in a
// single shared guest VM: the first such module starts the VM and the last
// one to be destroyed tears it down. Guest classes are WebAssembly binaries
// executed by the [guest/wasm] runtime.
//
// # Basic Usage
//
//	h := host.New()
//	desc, _ := gateway.LoadDescription("gateway.yaml")
//	g, _ := gateway.Load(desc, gateway.Loaders{
//	    host.Loader:          h.HighLevelAPIs(),
//	    gateway.LoggerLoader: gateway.LoggerModule(os.Stdout),
//	})
//	defer g.Destroy()
//
//	g.Publish(message.New([]byte("hello"), map[string]string{"topic": "greeting"}))
//
// # Gateway File
//
//	modules:
//	  - name: echo
//	    loader: host
//	    args:
//	      class_name: examples/Echo
//	      class_path: ./classes
//	      jvm_options:
//	        verbose: true
//	      args: {greeting: hello}
//	  - name: log
//	    loader: logger
//
// See the [host], [gateway], [message] and [guest] packages for detailed API
// documentation, and cmd/modhost for the command line front end.
package modhost
