package common

import "fmt"

var (
	// Environment runtime keys
	environmentPrefix  string = "environment"
	environmentState   string = "environment:state:%s"   // hostName
	environmentLogs    string = "environment:logs:%s"    // hostName
	environmentActive  string = "environment:active:%s"  // hostName
	environmentByRepo  string = "environment:by_repo:%s" // repoKey

	// Gateway keys
	gatewayPrefix   string = "gateway"
	gatewayInitLock string = "gateway:init:%s:lock" // name

	// Lifecycle keys
	lifecycleProvisionLock string = "lifecycle:provision:%s:lock" // repoKey
)

var Keys = &redisKeys{}

type redisKeys struct{}

// Environment keys
func (rk *redisKeys) EnvironmentPrefix() string {
	return environmentPrefix
}

func (rk *redisKeys) EnvironmentState(hostName string) string {
	return fmt.Sprintf(environmentState, hostName)
}

func (rk *redisKeys) EnvironmentLogs(hostName string) string {
	return fmt.Sprintf(environmentLogs, hostName)
}

func (rk *redisKeys) EnvironmentActive(hostName string) string {
	return fmt.Sprintf(environmentActive, hostName)
}

func (rk *redisKeys) EnvironmentByRepo(repoKey string) string {
	return fmt.Sprintf(environmentByRepo, repoKey)
}

// Gateway keys
func (rk *redisKeys) GatewayPrefix() string {
	return gatewayPrefix
}

func (rk *redisKeys) GatewayInitLock(name string) string {
	return fmt.Sprintf(gatewayInitLock, name)
}

// Lifecycle keys
func (rk *redisKeys) LifecycleProvisionLock(repoKey string) string {
	return fmt.Sprintf(lifecycleProvisionLock, repoKey)
}
