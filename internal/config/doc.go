// Package config 负责加载并校验 vincentd 的启动配置。
package config
