// Package config 负责加载代理进程的 JSON 配置，并用环境变量覆盖密钥类字段。
package config
