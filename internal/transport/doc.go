// Package transport provides the line-oriented byte channel used to talk to
// a miner's command console, over TCP or a USB serial link.
//
//	t, err := transport.Open(ctx, "serial:///dev/ttyUSB0?baud=115200", 12345, time.Second)
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//	_ = t.WriteLine("status")
//	line, err := t.ReadLine(time.Second)
package transport
