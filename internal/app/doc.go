// Package app 根据配置装配 agentos 的全部组件，并负责启动时的状态恢复与退出时的资源释放。
package app
