package config

// DefaultSource is the configuration every other source is merged onto.
func DefaultSource() Source {
	return FileSource{
		Name:   "default",
		Format: "hcl",
		Data: `
		bind_addr = "0.0.0.0"
		port = 7070
		log_level = "INFO"
		log_rotate_duration = "24h"

		limits {
			max_conns_per_client_ip = 0
			accept_rate = 0
			accept_burst = 100
			max_sniff_bytes = 1024
			sniff_timeout = "10s"
			server_first_timeout = "500ms"
			write_high_watermark = 65536
			write_low_watermark = 32768
		}

		rpc {
			max_frame_size = 16777216
			spin_iterations = 512
			default_timeout = "3s"
			max_concurrent_calls = 256
			chunk_ack_window = 16
			pool_max_idle = "2m"
		}

		dubbo {
			enabled = true
			routing_attachment = "backend"
			max_payload = 8388608
			connect_timeout = "5s"
		}

		mysql {
			enabled = false
			backend = "mysql"
			max_packet_size = 67108864
			connect_timeout = "5s"
		}

		telemetry {
			metrics_prefix = "portmux"
			prometheus_retention_time = "0s"
		}
	`,
	}
}
