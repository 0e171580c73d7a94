// Package config 加载 agentos 的 YAML 配置。相对路径以配置文件所在目录为基准，
// 随后应用环境变量覆盖，最后执行校验。
package config
